package screening_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func TestDetectSpamWords(t *testing.T) {
	flags := screening.DetectSpamWords("URGENT: Click Here for an exclusive offer!")
	assert.ElementsMatch(t, []string{"urgent", "click here", "exclusive offer"}, flags)
	assert.Empty(t, screening.DetectSpamWords("Your order has shipped."))
}

func TestAnalyzeUnionsLocalFlags(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"```json\n{\"isSpam\": false, \"spamWords\": [\"Cheap\"], \"rewrittenMessage\": \"Our new range is in store.\", \"confidence\": 0.3}\n```",
	}}
	svc := screening.NewService(m)

	a, err := svc.Analyze(context.Background(), "Cheap shoes, buy now!", "promo", model.Settings{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cheap", "buy now"}, a.SpamWords)
	assert.True(t, a.IsSpam)
	assert.Equal(t, "Our new range is in store.", a.RewrittenMessage)
}

func TestAnalyzeConfidenceAloneFlagsSpam(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"isSpam": false, "spamWords": [], "rewrittenMessage": "Hello", "confidence": 0.9}`}}
	svc := screening.NewService(m)

	a, err := svc.Analyze(context.Background(), "Hello there", "general", model.Settings{})
	require.NoError(t, err)
	assert.Empty(t, a.SpamWords)
	assert.True(t, a.IsSpam)
}

func TestAnalyzeIsCached(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"spamWords": [], "rewrittenMessage": "Hi", "confidence": 0.1}`}}
	svc := screening.NewService(m)

	first, err := svc.Analyze(context.Background(), "Hi", "general", model.Settings{})
	require.NoError(t, err)
	second, err := svc.Analyze(context.Background(), "Hi", "general", model.Settings{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.calls)

	_, err = svc.Analyze(context.Background(), "Hi", "other", model.Settings{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.calls)
}

func TestAnalyzeUnparseableReplyKeepsLocalFlags(t *testing.T) {
	m := &scriptedModel{replies: []string{"I think this message looks fine."}}
	svc := screening.NewService(m)

	a, err := svc.Analyze(context.Background(), "Last chance to act now", "promo", model.Settings{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"act now", "last chance"}, a.SpamWords)
	assert.True(t, a.IsSpam)
	assert.Equal(t, "Last chance to act now", a.RewrittenMessage)
}

func TestAnalyzeModelFailureFallsBackToKeywords(t *testing.T) {
	svc := screening.NewService(&scriptedModel{err: errors.New("503")})

	a, err := svc.Analyze(context.Background(), "Guaranteed returns", "finance", model.Settings{})
	require.NoError(t, err)
	assert.Equal(t, []string{"guaranteed"}, a.SpamWords)
	assert.Equal(t, 0.8, a.Confidence)
	assert.Equal(t, "Guaranteed returns", a.RewrittenMessage)
}

func TestVariantsAndPersonalize(t *testing.T) {
	m := &scriptedModel{replies: []string{"one", "two", "Dear Asha, one"}}
	svc := screening.NewService(m)

	vs, err := svc.Variants(context.Background(), "base", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, vs)

	p, err := svc.Personalize(context.Background(), "one", "Asha", 1)
	require.NoError(t, err)
	assert.Equal(t, "Dear Asha, one", p)

	failing := screening.NewService(&scriptedModel{err: errors.New("boom")})
	_, err = failing.Variants(context.Background(), "base", 2)
	assert.Error(t, err)

	p, err = failing.Personalize(context.Background(), "Sale today", "Ravi", 1)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ravi, Sale today", p)
}

func TestPassThroughWithoutModel(t *testing.T) {
	svc := screening.NewService(nil)

	a, err := svc.Analyze(context.Background(), "Hurry up!", "promo", model.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "Hurry up!", a.RewrittenMessage)
	assert.True(t, a.IsSpam)

	vs, err := svc.Variants(context.Background(), "x", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "x", "x"}, vs)
}

func TestOpenAIClientRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])

		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  reworded  "}}]}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := screening.NewOpenAIClient("sk-test",
		screening.WithBaseURL(srv.URL),
		screening.WithModel("gpt-test"),
		screening.WithSleepFunc(func(ctx context.Context, d time.Duration) { slept = append(slept, d) }),
	)

	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "reworded", out)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestOpenAIClientDoesNotRetryBadRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := screening.NewOpenAIClient("sk-test", screening.WithBaseURL(srv.URL))
	_, err := c.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "400"))
	assert.Equal(t, int32(1), hits.Load())
}
