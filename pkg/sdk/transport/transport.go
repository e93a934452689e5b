// Package transport delivers single events to a TinyKPI server.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// IdempotencyHeader carries the event's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// Event is one event as the ingestion API accepts it.
type Event struct {
	UserID    *int64                 `json:"userId,omitempty"`
	EventName string                 `json:"eventName"`
	EventTime string                 `json:"eventTime"`
	Status    string                 `json:"status,omitempty"`
	Level     string                 `json:"level,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Result is the server's answer for an accepted event.
type Result struct {
	OK    bool  `json:"ok"`
	ID    int64 `json:"id"`
	Dedup bool  `json:"dedup"`
}

// Transport sends one event under an idempotency key.
type Transport interface {
	Send(ctx context.Context, ev Event, key string) (Result, error)
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest failed with status %d: %s", e.Code, e.Message)
}

// Retryable reports whether resending the same event may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// Config configures HTTP.
type Config struct {
	Endpoint     string // full URL of POST /v1/events
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// HTTP implements Transport over net/http. Retries reuse the idempotency key,
// so a request that reached the server before failing is reported as dedup
// instead of being stored twice. A circuit breaker stops hammering a server
// that keeps failing.
type HTTP struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewHTTP creates a new HTTP transport.
func NewHTTP(cfg Config) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "tinykpi-ingest",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// State returns the circuit breaker state: closed, half-open or open.
func (t *HTTP) State() string {
	return t.breaker.State().String()
}

// Send posts ev, retrying network errors, 429 and 5xx with exponential
// backoff. 4xx answers are returned at once.
func (t *HTTP) Send(ctx context.Context, ev Event, key string) (Result, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := t.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := t.post(ctx, body, key)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return Result{}, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("giving up after %d attempts: %w", t.cfg.MaxRetries+1, lastErr)
}

// post performs one attempt. Only transport errors and retryable statuses
// count as breaker failures.
func (t *HTTP) post(ctx context.Context, body []byte, key string) (Result, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		if t.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, readStatusError(resp)
		}
		return resp, nil
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, readStatusError(resp)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

func readStatusError(resp *http.Response) error {
	defer resp.Body.Close()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := string(raw)
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
