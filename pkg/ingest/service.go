// Package ingest validates events and persists each exactly once.
package ingest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/metrics"
	"github.com/nicktill/tinykpi/pkg/storage"
)

// Request is one submitted event as producers send it.
type Request struct {
	UserID    *int64                 `json:"userId,omitempty"`
	EventName string                 `json:"eventName" validate:"required,max=64"`
	EventTime string                 `json:"eventTime"`
	Status    string                 `json:"status,omitempty" validate:"omitempty,max=16"`
	Level     string                 `json:"level,omitempty" validate:"omitempty,max=32"`
	SessionID string                 `json:"sessionId,omitempty" validate:"omitempty,max=128"`
	Channel   string                 `json:"channel,omitempty" validate:"omitempty,max=32"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Result identifies the stored event. Dedup is true when the idempotency key
// had already been accepted and nothing new was written.
type Result struct {
	ID    int64 `json:"id"`
	Dedup bool  `json:"dedup"`
}

// Service is the ingestion write path. It performs no aggregation.
type Service struct {
	store            storage.EventStore
	maxMetadataBytes int
	now              func() time.Time
}

// NewService creates an ingestion service over store.
func NewService(store storage.EventStore, maxMetadataBytes int) *Service {
	if maxMetadataBytes <= 0 {
		maxMetadataBytes = config.DefaultMaxMetadataBytes
	}
	return &Service{
		store:            store,
		maxMetadataBytes: maxMetadataBytes,
		now:              time.Now,
	}
}

// Ingest validates req and stores it once per idempotency key.
//
// Checks run in this order: schema, risk level, idempotency, event time,
// metadata. A retry of an already-accepted key reports dedup even when its
// later fields would now fail validation.
func (s *Service) Ingest(ctx context.Context, req Request, idempotencyKey string) (Result, error) {
	res, err := s.ingest(ctx, req, strings.TrimSpace(idempotencyKey))
	switch {
	case err == nil && res.Dedup:
		metrics.EventsIngested.WithLabelValues("dedup").Inc()
	case err == nil:
		metrics.EventsIngested.WithLabelValues("created").Inc()
	case IsValidationError(err):
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
	default:
		metrics.EventsIngested.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, req Request, key string) (Result, error) {
	if err := checkSchema(req); err != nil {
		return Result{}, err
	}
	if len(key) > MaxIdempotencyKeyLength {
		return Result{}, &ValidationError{Rule: RuleKeyTooLong}
	}

	name := strings.TrimSpace(req.EventName)
	level := event.Level(strings.ToLower(strings.TrimSpace(req.Level)))
	if event.RequiresLevel(name) && level == "" {
		return Result{}, &ValidationError{Rule: RuleLevelRequired}
	}

	eventTime, timeErr := ParseEventTime(req.EventTime)
	meta, metaErr := s.encodeMetadata(req.Meta)
	if timeErr != nil || metaErr != nil {
		if key != "" {
			id, found, err := s.store.LookupIdempotencyKey(ctx, key)
			if err != nil {
				return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
			}
			if found {
				return Result{ID: id, Dedup: true}, nil
			}
		}
		if timeErr != nil {
			return Result{}, timeErr
		}
		return Result{}, metaErr
	}

	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = event.StatusOK
	}

	e := &event.Event{
		UserID:         req.UserID,
		Name:           name,
		Time:           eventTime,
		Status:         status,
		Level:          level,
		SessionID:      strings.TrimSpace(req.SessionID),
		Channel:        strings.TrimSpace(req.Channel),
		IdempotencyKey: key,
		Metadata:       meta,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}

	id, dedup, err := s.store.InsertEvent(ctx, e)
	if err != nil {
		return Result{}, fmt.Errorf("store event: %w", err)
	}
	if dedup {
		logging.Ctx(ctx).Debug().Int64("id", id).Str("idempotency_key", key).Msg("Duplicate event submission")
	}
	return Result{ID: id, Dedup: dedup}, nil
}

// ParseEventTime accepts RFC 3339 with an explicit offset or Z. A date-time
// without an offset is rejected rather than guessed. The result is UTC at
// millisecond precision.
func ParseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ValidationError{Rule: RuleInvalidEventTime}
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

func (s *Service) encodeMetadata(meta map[string]interface{}) (json.RawMessage, error) {
	if len(meta) == 0 {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(meta)
	if err != nil || len(data) > s.maxMetadataBytes {
		return nil, &ValidationError{Rule: RuleInvalidMetadata}
	}
	return data, nil
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}
