// Package llm is a minimal OpenAI-compatible chat completions client used by
// the oracle node to classify disputes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"freelanco/internal/config"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	maxResponseSize = 1 << 20
)

// RetryConfig controls retries of transient failures.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Request is one completion call. APIKey overrides the configured key.
type Request struct {
	Prompt      string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

type Client struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     *slog.Logger
}

// NewClient builds a client from the llm config section. The API key is read
// from the configured environment variable.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		APIKey:     key,
		HTTPClient: &http.Client{Timeout: timeout},
		Retry:      DefaultRetryConfig(),
		Logger:     logger,
	}
}

func (c *Client) endpoint() string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Text    string      `json:"text"`
	} `json:"choices"`
}

// Complete returns the first choice's text, retrying transient failures.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", NewFatalError(errors.New("prompt required"))
	}
	retry := c.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		text, err := c.do(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if IsFatal(err) {
			return "", err
		}
		if attempt < retry.MaxAttempts {
			backoff := c.backoff(retry, attempt)
			c.logger().Debug("llm request failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", lastErr
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) backoff(retry RetryConfig, attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= retry.BackoffMultiplier
	}
	d := time.Duration(float64(retry.BackoffBase) * multiplier)
	if retry.MaxBackoff > 0 && d > retry.MaxBackoff {
		d = retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", NewFatalError(fmt.Errorf("build request body: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.APIKey
	if key == "" {
		key = c.APIKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", NewTransientError(fmt.Errorf("llm request failed: %w", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read llm response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, data)
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", NewFatalError(fmt.Errorf("decode llm response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", NewFatalError(errors.New("llm response has no choices"))
	}
	choice := parsed.Choices[0]
	if choice.Message.Content != "" {
		return choice.Message.Content, nil
	}
	return choice.Text, nil
}

func classifyHTTPError(status int, body []byte) error {
	text := string(body)
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	err := fmt.Errorf("llm api error (status %d): %s", status, text)
	if status == http.StatusTooManyRequests || status >= 500 {
		return NewTransientError(err)
	}
	return NewFatalError(err)
}
