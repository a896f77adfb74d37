package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

const (
	defaultBaseURL     = "https://api.openai.com"
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 2048
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second

	// Requests per second across all extraction workers of one process.
	defaultRateLimit = 5.0
	defaultBurst     = 5
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty response from API")

// LLMConfig configures an OpenAI-compatible chat completions client.
type LLMConfig struct {
	BaseURL    string        `koanf:"base_url"`
	APIKey     config.Secret `koanf:"api_key"`
	Model      string        `koanf:"model"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
}

// CompletionRequest is one system+user exchange.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// LLMClient generates chat completions.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ChatClient implements LLMClient against /v1/chat/completions.
type ChatClient struct {
	model       string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewChatClient creates a chat client. An API key is required only for the
// default OpenAI endpoint; self-hosted compatible servers may not need one.
func NewChatClient(cfg LLMConfig, logger *zap.Logger) (*ChatClient, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if baseURL == defaultBaseURL && cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ChatClient{
		model:       model,
		apiKey:      cfg.APIKey.Value(),
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries:  maxRetries,
		baseBackoff: defaultBaseBackoff,
		logger:      logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the exchange, retrying transient failures with exponential
// backoff.
func (c *ChatClient) Complete(ctx context.Context, in CompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	req := chatRequest{
		Model:       c.model,
		Temperature: in.Temperature,
		MaxTokens:   maxTokens,
	}
	if in.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: in.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: in.User})

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)

	var out string
	exhausted := false
	err := backoff.RetryNotify(func() error {
		var err error
		out, err = c.doRequest(ctx, req)
		exhausted = isRetryableError(err)
		if err != nil && !exhausted {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Debug("retrying chat completion", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil && exhausted && ctx.Err() == nil {
		return "", fmt.Errorf("max retries exceeded: %w", err)
	}
	return out, err
}

func (c *ChatClient) doRequest(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp chatError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

// retryableError wraps an error to indicate it can be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

var _ LLMClient = (*ChatClient)(nil)
