package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/ingest"
)

const (
	// MaxImportEvents caps one import request.
	MaxImportEvents = 5000

	// MaxImportBytes caps the import body.
	MaxImportBytes = 16 << 20
)

// ErrInvalidImport marks a malformed import body.
var ErrInvalidImport = errors.New("invalid import")

// Importer replays a batch of events through the ingestion service.
type Importer struct {
	svc *ingest.Service
}

// NewImporter creates a new importer
func NewImporter(svc *ingest.Service) *Importer {
	return &Importer{svc: svc}
}

// ImportEvent is one event in an import file. IdempotencyKey makes a
// re-run of the same file safe.
type ImportEvent struct {
	ingest.Request
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ImportData is the body of POST /v1/import.
type ImportData struct {
	Events []ImportEvent `json:"events"`
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	Created    int       `json:"created"`
	Dedup      int       `json:"dedup"`
	Rejected   int       `json:"rejected"`
	ImportedAt time.Time `json:"importedAt"`
	Errors     []string  `json:"errors,omitempty"`
}

// ImportFromJSON ingests every event in r. Invalid events are reported and
// skipped; a storage failure aborts the import.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var in ImportData
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if len(in.Events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidImport)
	}
	if len(in.Events) > MaxImportEvents {
		return nil, fmt.Errorf("%w: %d events, maximum %d", ErrInvalidImport, len(in.Events), MaxImportEvents)
	}

	result := &ImportResult{ImportedAt: time.Now().UTC().Truncate(time.Second)}
	for i, ev := range in.Events {
		res, err := im.svc.Ingest(ctx, ev.Request, ev.IdempotencyKey)
		switch {
		case err == nil && res.Dedup:
			result.Dedup++
		case err == nil:
			result.Created++
		case ingest.IsValidationError(err):
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("event %d: %v", i, err))
		default:
			return result, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return result, nil
}
