// Package screening checks campaign text for spam triggers and rewrites it
// into per-recipient variants.
package screening

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

const (
	spamConfidenceThreshold = 0.7
	maxCacheEntries         = 1000
)

type Replacement struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Reason      string `json:"reason"`
}

// Analysis is the screening verdict for one message.
type Analysis struct {
	IsSpam           bool          `json:"isSpam"`
	SpamWords        []string      `json:"spamWords"`
	Replacements     []Replacement `json:"replacements"`
	RewrittenMessage string        `json:"rewrittenMessage"`
	Confidence       float64       `json:"confidence"`
}

// Screener is what the dispatch path needs from screening.
type Screener interface {
	Analyze(ctx context.Context, text, category string, settings model.Settings) (*Analysis, error)
	Variants(ctx context.Context, text string, count int) ([]string, error)
	Personalize(ctx context.Context, text, name string, index int) (string, error)
}

// Service combines the local keyword filter with an optional language model.
// Without a model every operation passes text through unchanged.
type Service struct {
	model Model
	log   *logrus.Entry

	mu    sync.Mutex
	cache map[string]*Analysis
}

func NewService(m Model) *Service {
	return &Service{
		model: m,
		log:   logrus.WithField("component", "screening"),
		cache: make(map[string]*Analysis),
	}
}

func cacheKey(text, category string) string {
	return category + "\x00" + text
}

func (s *Service) cached(key string) (*Analysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (s *Service) store(key string, a *Analysis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= maxCacheEntries {
		s.cache = make(map[string]*Analysis)
	}
	cp := *a
	s.cache[key] = &cp
}

// localAnalysis is the verdict from keywords alone.
func localAnalysis(text string, flags []string) *Analysis {
	confidence := 0.2
	if len(flags) > 0 {
		confidence = 0.8
	}
	return &Analysis{
		IsSpam:           len(flags) > 0,
		SpamWords:        flags,
		Replacements:     []Replacement{},
		RewrittenMessage: text,
		Confidence:       confidence,
	}
}

// Analyze flags spam triggers and proposes a compliant rewrite. Keyword hits
// are always part of the result, whatever the model says.
func (s *Service) Analyze(ctx context.Context, text, category string, settings model.Settings) (*Analysis, error) {
	key := cacheKey(text, category)
	if a, ok := s.cached(key); ok {
		s.log.Debug("using cached analysis")
		return a, nil
	}

	local := DetectSpamWords(text)
	if s.model == nil {
		return localAnalysis(text, local), nil
	}

	reply, err := s.model.Complete(ctx, analysisPrompt(text, category, settings))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.WithError(err).Warn("⚠️ model analysis failed, using keyword filter only")
		return localAnalysis(text, local), nil
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(reply)), &analysis); err != nil {
		s.log.WithError(err).Warn("⚠️ could not parse model analysis")
		analysis = Analysis{RewrittenMessage: text, Confidence: 0.5}
	}
	if strings.TrimSpace(analysis.RewrittenMessage) == "" {
		analysis.RewrittenMessage = text
	}
	if analysis.Replacements == nil {
		analysis.Replacements = []Replacement{}
	}

	analysis.SpamWords = union(analysis.SpamWords, local)
	analysis.IsSpam = len(analysis.SpamWords) > 0 || analysis.Confidence > spamConfidenceThreshold

	s.store(key, &analysis)
	return &analysis, nil
}

// Variants returns count rewordings of text, one model call each.
func (s *Service) Variants(ctx context.Context, text string, count int) ([]string, error) {
	out := make([]string, count)
	if s.model == nil {
		for i := range out {
			out[i] = text
		}
		return out, nil
	}

	for i := 0; i < count; i++ {
		reply, err := s.model.Complete(ctx, variationPrompt(text, i+1))
		if err != nil {
			return nil, fmt.Errorf("variation %d: %w", i+1, err)
		}
		if reply == "" {
			reply = text
		}
		out[i] = reply
	}
	return out, nil
}

// Personalize addresses text to name. Model failures fall back to a plain greeting.
func (s *Service) Personalize(ctx context.Context, text, name string, index int) (string, error) {
	fallback := FallbackGreeting(text, name)
	if s.model == nil {
		return fallback, nil
	}

	reply, err := s.model.Complete(ctx, personalizePrompt(text, name, index))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.log.WithError(err).WithField("contact", name).Warn("⚠️ personalization failed, using greeting")
		return fallback, nil
	}
	if reply == "" {
		return fallback, nil
	}
	return reply, nil
}

// FallbackGreeting prefixes text with a greeting when a name is known.
func FallbackGreeting(text, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return text
	}
	return fmt.Sprintf("Hi %s, %s", name, text)
}

// extractJSON trims code fences and surrounding prose from a model reply.
func extractJSON(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return reply
	}
	return reply[start : end+1]
}

var _ Screener = (*Service)(nil)
