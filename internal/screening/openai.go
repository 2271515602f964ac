package screening

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-3.5-turbo"
	defaultTemperature   = 0.3
	maxAttempts          = 3
)

// Model completes a single prompt.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	sleepFn     func(context.Context, time.Duration)
	log         *logrus.Entry
}

type Option func(*OpenAIClient)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *OpenAIClient) { cl.httpClient = c }
}

func WithBaseURL(url string) Option {
	return func(cl *OpenAIClient) {
		if url != "" {
			cl.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(cl *OpenAIClient) {
		if model != "" {
			cl.model = model
		}
	}
}

// WithSleepFunc overrides the retry wait, for tests.
func WithSleepFunc(fn func(context.Context, time.Duration)) Option {
	return func(cl *OpenAIClient) { cl.sleepFn = fn }
}

func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	c := &OpenAIClient{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		apiKey:      apiKey,
		baseURL:     defaultOpenAIBaseURL,
		model:       defaultOpenAIModel,
		temperature: defaultTemperature,
		sleepFn:     defaultSleep,
		log:         logrus.WithField("component", "openai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// statusError is a non-200 answer from the API.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai returned %d: %s", e.Code, e.Body)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Complete sends prompt as a single user message and returns the reply text.
// Rate limits and server errors are retried with exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
	}

	for attempt := 0; ; attempt++ {
		out, err := c.do(ctx, req)
		if err == nil {
			return out, nil
		}

		se, ok := err.(*statusError)
		if !ok || !se.retryable() || attempt+1 >= maxAttempts {
			return "", err
		}

		delay := time.Second << uint(attempt)
		c.log.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay, "status": se.Code}).Warn("⚠️ retrying completion request")
		c.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
}

func (c *OpenAIClient) do(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parse response JSON: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("response contains no choices")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

var _ Model = (*OpenAIClient)(nil)
