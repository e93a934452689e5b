// Package queue buffers events in memory and delivers them in the
// background, one request per event.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/sdk/transport"
)

// ErrFull is returned by Add when the buffer is at capacity.
var ErrFull = errors.New("queue: full")

// Config holds configuration for the queue.
type Config struct {
	MaxSize     int
	FlushEvery  time.Duration
	SendTimeout time.Duration
}

// Item is one pending event with the key it will be sent under.
type Item struct {
	Event transport.Event
	Key   string
}

// Stats counts delivery outcomes.
type Stats struct {
	Sent    uint64
	Dedup   uint64
	Dropped uint64
	Pending int
}

// Queue holds events until the flush loop delivers them.
type Queue struct {
	config    Config
	transport transport.Transport

	items []Item
	mu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushMu sync.Mutex // one delivery pass at a time

	sent, dedup, dropped atomic.Uint64
}

// New creates a queue that delivers through t.
func New(t transport.Transport, config Config) *Queue {
	if config.MaxSize <= 0 {
		config.MaxSize = 10000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	return &Queue{
		config:    config,
		transport: t,
		items:     make([]Item, 0, 64),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.flushLoop()
}

// Add buffers an item. It never blocks.
func (q *Queue) Add(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.config.MaxSize {
		q.dropped.Add(1)
		return ErrFull
	}
	q.items = append(q.items, item)
	return nil
}

// Flush delivers everything pending. Items that still fail after the
// transport's own retries are dropped and counted.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	pending := make([]Item, len(q.items))
	copy(pending, q.items)
	q.items = q.items[:0]
	q.mu.Unlock()

	var errs []error
	for i, item := range pending {
		if ctx.Err() != nil {
			q.requeue(pending[i:])
			return ctx.Err()
		}
		sendCtx, cancel := context.WithTimeout(ctx, q.config.SendTimeout)
		res, err := q.transport.Send(sendCtx, item.Event, item.Key)
		cancel()
		if err != nil && ctx.Err() != nil {
			q.requeue(pending[i:])
			return ctx.Err()
		}
		if err != nil {
			q.dropped.Add(1)
			errs = append(errs, err)
			logging.Warn().Err(err).Str("event", item.Event.EventName).Msg("Dropping undeliverable event")
			continue
		}
		q.sent.Add(1)
		if res.Dedup {
			q.dedup.Add(1)
		}
	}
	return errors.Join(errs...)
}

// requeue puts undelivered items back at the front of the buffer.
func (q *Queue) requeue(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append(make([]Item, 0, len(items)+len(q.items)), items...), q.items...)
}

// Stop ends the flush loop and delivers what is left, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	return q.Flush(ctx)
}

// Stats returns delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.items)
	q.mu.Unlock()
	return Stats{
		Sent:    q.sent.Load(),
		Dedup:   q.dedup.Load(),
		Dropped: q.dropped.Load(),
		Pending: pending,
	}
}

func (q *Queue) flushLoop() {
	defer close(q.done)

	ticker := time.NewTicker(q.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			_ = q.Flush(q.ctx)
		}
	}
}
