package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSuccess(t *testing.T) {
	var (
		gotKey  string
		gotAuth string
		got     Event
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"ok":true,"id":42,"dedup":false}`))
	}))
	defer server.Close()

	user := int64(7)
	tr := NewHTTP(Config{Endpoint: server.URL, APIKey: "secret"})
	res, err := tr.Send(context.Background(), Event{UserID: &user, EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "k-1")

	require.NoError(t, err)
	assert.Equal(t, Result{OK: true, ID: 42}, res)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "page_view", got.EventName)
	require.NotNil(t, got.UserID)
	assert.Equal(t, int64(7), *got.UserID)
}

func TestSendRetriesWithSameKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(IdempotencyHeader))
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"unavailable","message":"try later"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"id":9,"dedup":true}`))
	}))
	defer server.Close()

	tr := NewHTTP(Config{Endpoint: server.URL, MaxRetries: 3, RetryBackoff: time.Millisecond})
	res, err := tr.Send(context.Background(), Event{EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "k-retry")

	require.NoError(t, err)
	assert.True(t, res.Dedup)
	assert.Equal(t, int64(9), res.ID)
	assert.Equal(t, []string{"k-retry", "k-retry", "k-retry"}, keys)
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"validation_failed","message":"level required for risk_detected"}`))
	}))
	defer server.Close()

	tr := NewHTTP(Config{Endpoint: server.URL, MaxRetries: 3, RetryBackoff: time.Millisecond})
	_, err := tr.Send(context.Background(), Event{EventName: "risk_detected", EventTime: "2025-03-01T10:00:00Z"}, "")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "level required for risk_detected", se.Message)
	assert.False(t, se.Retryable())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "closed", tr.State(), "client errors do not trip the breaker")
}

func TestSendGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewHTTP(Config{Endpoint: server.URL, MaxRetries: 2, RetryBackoff: time.Millisecond})
	_, err := tr.Send(context.Background(), Event{EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "k")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	tr := NewHTTP(Config{Endpoint: server.URL, MaxRetries: 0})
	for i := 0; i < 5; i++ {
		_, err := tr.Send(context.Background(), Event{EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "")
		require.Error(t, err)
	}
	assert.Equal(t, "open", tr.State())

	_, err := tr.Send(context.Background(), Event{EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "")
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load(), "open breaker short-circuits")
}

func TestSendHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tr := NewHTTP(Config{Endpoint: server.URL, MaxRetries: 5, RetryBackoff: time.Hour})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Send(ctx, Event{EventName: "page_view", EventTime: "2025-03-01T10:00:00Z"}, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
