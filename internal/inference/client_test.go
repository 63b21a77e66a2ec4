package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The shared transport keeps idle connections alive across tests.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func completion(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func newTestClient(t *testing.T, baseURL string, maxRetries int, breakers *BreakerRegistry) *Client {
	t.Helper()
	if breakers == nil {
		breakers = NewBreakerRegistry(CircuitConfig{FailuresThreshold: 2, Cooldown: time.Minute, Window: time.Minute})
	}
	return NewClient(Config{
		BaseURL:      baseURL,
		Model:        "test-model",
		Timeout:      2 * time.Second,
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	}, breakers, nil)
}

func TestChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		fmt.Fprint(w, completion("hello"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1, nil)
	content, err := c.ChatCompletion(context.Background(), []Message{TextMessage("user", "hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestChatCompletionSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, completion("ok"))
	}))
	defer srv.Close()

	breakers := NewBreakerRegistry(CircuitConfig{FailuresThreshold: 2, Cooldown: time.Minute, Window: time.Minute})
	c := NewClient(Config{BaseURL: srv.URL, Model: "m", APIKey: "sk-test", Timeout: time.Second}, breakers, nil)
	_, err := c.ChatCompletion(context.Background(), []Message{TextMessage("user", "hi")})
	require.NoError(t, err)
}

func TestChatCompletionRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, completion("recovered"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1, nil)
	content, err := c.ChatCompletion(context.Background(), []Message{TextMessage("user", "hi")})
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionDoesNotRetryOn400(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, nil)
	_, err := c.ChatCompletion(context.Background(), []Message{TextMessage("user", "hi")})
	assert.ErrorContains(t, err, "HTTP 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatCompletionAPIErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model overloaded"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2, nil)
	_, err := c.ChatCompletion(context.Background(), []Message{TextMessage("user", "hi")})
	assert.ErrorContains(t, err, "model overloaded")
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := NewBreakerRegistry(CircuitConfig{FailuresThreshold: 2, Cooldown: time.Minute, Window: time.Minute})
	c := newTestClient(t, srv.URL, 0, breakers)
	ctx := context.Background()
	msgs := []Message{TextMessage("user", "hi")}

	_, err := c.ChatCompletion(ctx, msgs)
	require.Error(t, err)
	_, err = c.ChatCompletion(ctx, msgs)
	require.Error(t, err)

	before := calls.Load()
	_, err = c.ChatCompletion(ctx, msgs)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "open breaker must not touch the network")
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			fmt.Fprint(w, completion("ok"))
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cooldown := 200 * time.Millisecond
	breakers := NewBreakerRegistry(CircuitConfig{FailuresThreshold: 2, Cooldown: cooldown, Window: time.Minute})
	c := newTestClient(t, srv.URL, 0, breakers)
	ctx := context.Background()
	msgs := []Message{TextMessage("user", "hi")}

	// Trip the breaker; while open no call reaches the network.
	_, _ = c.ChatCompletion(ctx, msgs)
	_, _ = c.ChatCompletion(ctx, msgs)
	_, err := c.ChatCompletion(ctx, msgs)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, int32(2), calls.Load())

	// After the cooldown exactly one half-open attempt goes out; its
	// failure re-opens the breaker for another full cooldown.
	time.Sleep(cooldown + 50*time.Millisecond)
	_, err = c.ChatCompletion(ctx, msgs)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCircuitOpen, "half-open attempt surfaces the backend error")
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.ChatCompletion(ctx, msgs)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load(), "re-opened breaker must not touch the network")

	// A successful half-open attempt closes the breaker again.
	healthy.Store(true)
	time.Sleep(cooldown + 50*time.Millisecond)
	content, err := c.ChatCompletion(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(4), calls.Load())

	content, err = c.ChatCompletion(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(5), calls.Load(), "closed breaker passes calls straight through")
}

func TestBreakerSharedPerEndpoint(t *testing.T) {
	breakers := NewBreakerRegistry(CircuitConfig{FailuresThreshold: 2, Cooldown: time.Minute, Window: time.Minute})
	a := newTestClient(t, "http://127.0.0.1:1", 0, breakers)
	b := NewClient(Config{BaseURL: "http://127.0.0.1:1", Model: "test-model", Timeout: time.Second}, breakers, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs := []Message{TextMessage("user", "hi")}

	_, _ = a.ChatCompletion(ctx, msgs)
	_, _ = a.ChatCompletion(ctx, msgs)
	_, err := b.ChatCompletion(ctx, msgs)
	assert.ErrorIs(t, err, ErrCircuitOpen, "same endpoint key shares breaker state")
}

func TestChatCompletionCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, "http://127.0.0.1:1", 0, nil)
	_, err := c.ChatCompletion(ctx, []Message{TextMessage("user", "hi")})
	assert.Error(t, err)
}
