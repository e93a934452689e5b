package sdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinykpi/pkg/sdk/queue"
	"github.com/nicktill/tinykpi/pkg/sdk/transport"
)

// Event is one event as the ingestion API accepts it.
type Event = transport.Event

// Result is the server's answer for an accepted event.
type Result = transport.Result

// EventsPath is appended to ClientConfig.Endpoint.
const EventsPath = "/v1/events"

// ClientConfig holds configuration for the TinyKPI client
type ClientConfig struct {
	Endpoint     string        `json:"endpoint"` // server base URL
	APIKey       string        `json:"api_key"`
	Channel      string        `json:"channel"` // stamped on events that carry none
	FlushEvery   time.Duration `json:"flush_every"`
	QueueSize    int           `json:"queue_size"`
	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
	Timeout      time.Duration `json:"timeout"`
}

// Client is the main TinyKPI SDK client
type Client struct {
	config    ClientConfig
	transport transport.Transport
	queue     *queue.Queue
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// New creates a new TinyKPI client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	trans := transport.NewHTTP(transport.Config{
		Endpoint:     strings.TrimRight(cfg.Endpoint, "/") + EventsPath,
		APIKey:       cfg.APIKey,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	})
	return newClient(cfg, trans), nil
}

func newClient(cfg ClientConfig, trans transport.Transport) *Client {
	return &Client{
		config:    cfg,
		transport: trans,
		queue: queue.New(trans, queue.Config{
			MaxSize:    cfg.QueueSize,
			FlushEvery: cfg.FlushEvery,
		}),
		now: time.Now,
	}
}

// Start starts background delivery of enqueued events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}
	c.queue.Start(ctx)
	c.started = true
	return nil
}

// Stop stops background delivery and flushes what is left, bounded by ctx.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return c.queue.Flush(ctx)
	}
	c.started = false
	if err := c.queue.Stop(ctx); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// Track sends ev now and waits for the server. An empty key is replaced by
// a generated one; pass your own to make caller-level retries safe.
func (c *Client) Track(ctx context.Context, ev Event, key string) (Result, error) {
	if key == "" {
		key = NewKey()
	}
	return c.transport.Send(ctx, c.prepare(ev), key)
}

// Enqueue buffers ev for background delivery and returns the idempotency
// key it will be sent under. It fails only when the queue is full.
func (c *Client) Enqueue(ev Event) (string, error) {
	key := NewKey()
	if err := c.queue.Add(queue.Item{Event: c.prepare(ev), Key: key}); err != nil {
		return "", err
	}
	return key, nil
}

// Flush delivers every enqueued event now.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// Stats reports queue delivery counters.
func (c *Client) Stats() queue.Stats {
	return c.queue.Stats()
}

// prepare stamps the event time and default channel.
func (c *Client) prepare(ev Event) Event {
	if ev.EventTime == "" {
		ev.EventTime = c.now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Channel == "" {
		ev.Channel = c.config.Channel
	}
	return ev
}

// NewKey returns a fresh idempotency key.
func NewKey() string {
	return uuid.NewString()
}
