// Package inference holds the OpenAI-compatible chat-completions adapter
// shared by the reasoning and communication stages: HTTP transport with
// retries, a per-endpoint circuit breaker, prompt hardening, and JSON-shape
// recovery for model output.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without any network attempt while the
// endpoint's breaker is open. Callers surface it as skipped_reason
// "circuit_open".
var ErrCircuitOpen = errors.New("circuit_open")

// Config configures one OpenAI-compatible endpoint.
type Config struct {
	BaseURL      string
	Model        string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Temperature  float64
	MaxTokens    int
}

// CircuitConfig configures the shared per-endpoint breakers.
type CircuitConfig struct {
	FailuresThreshold int
	Cooldown          time.Duration
	Window            time.Duration
}

// Message is one chat message. Content is either a plain string or a
// []ContentPart for multimodal requests.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps a data-URI or https image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// sharedHTTPClient is the single connection-pooled client used by all
// adapter instances. Per-attempt timeouts come from request contexts.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	},
}

// BreakerRegistry keeps one circuit breaker per endpoint (base URL + model).
// State is process-wide and safe for concurrent use.
type BreakerRegistry struct {
	cfg      CircuitConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a registry with the given thresholds.
func NewBreakerRegistry(cfg CircuitConfig) *BreakerRegistry {
	if cfg.FailuresThreshold <= 0 {
		cfg.FailuresThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *BreakerRegistry) get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one half-open probe per cooldown
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.TotalFailures) >= r.cfg.FailuresThreshold
		},
	})
	r.breakers[key] = cb
	return cb
}

// Client is one configured OpenAI-compatible endpoint adapter.
type Client struct {
	cfg      Config
	breakers *BreakerRegistry
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a client. breakers may be shared across clients so that
// reasoning and communication adapters pointing at the same endpoint share
// breaker state.
func NewClient(cfg Config, breakers *BreakerRegistry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Client{cfg: cfg, breakers: breakers, http: sharedHTTPClient, logger: logger}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) endpointKey() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "::" + c.cfg.Model
}

func (c *Client) url() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

// ChatCompletion sends the messages and returns the raw completion content.
// Retries cover network errors and HTTP 5xx/429 only; the breaker counts
// one failure per exhausted call, and while open the call returns
// ErrCircuitOpen without touching the network.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	cb := c.breakers.get(c.endpointKey())

	result, err := cb.Execute(func() (any, error) {
		return c.attemptLoop(ctx, messages)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	return result.(string), nil
}

func (c *Client) attemptLoop(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		content, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryable {
			return "", err
		}
		c.logger.Warn("external backend attempt failed",
			zap.String("endpoint", c.endpointKey()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// attempt performs one request under the per-attempt timeout, clamped to
// the caller's remaining deadline by context composition.
func (c *Client) attempt(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parsing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("backend HTTP %d: %s", resp.StatusCode, preview(raw))
	default:
		return "", false, fmt.Errorf("backend HTTP %d: %s", resp.StatusCode, preview(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", true, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("empty completion: no choices")
	}
	if s := strings.TrimSpace(parsed.Choices[0].Message.Content); s != "" {
		return s, false, nil
	}
	// Some servers return "text" instead of message.content.
	if s := strings.TrimSpace(parsed.Choices[0].Text); s != "" {
		return s, false, nil
	}
	return "", false, fmt.Errorf("empty completion content")
}

func preview(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
