// Package store persists signals, automation logs, and call-service logs
// keyed by automation content hash. It is the only mutator of runtime state;
// all writes are serialized through the single *sql.DB connection pool and
// reads are snapshot-consistent within a single query.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/beatrix-ha/beatrix/internal/model"
)

// ErrNotFound is returned when a lookup by id/hash finds nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence contract for the runtime.
type Store interface {
	// AliveSignalsForHash returns every alive signal for an automation hash.
	AliveSignalsForHash(ctx context.Context, hash string) ([]*model.Signal, error)

	// AliveSignals returns every alive signal across all automations, used to
	// reconstitute the trigger engine on startup.
	AliveSignals(ctx context.Context) ([]*model.Signal, error)

	// InsertSignal persists a new alive signal and returns its id.
	InsertSignal(ctx context.Context, hash string, kind model.Kind, data any) (string, error)

	// KillSignal marks a single signal dead.
	KillSignal(ctx context.Context, id string) error

	// KillAllForHash marks every alive signal for a hash dead.
	KillAllForHash(ctx context.Context, hash string) error

	// KillSignalAndInsertLog atomically kills a one-shot signal and appends
	// its firing's execute-signal log row.
	KillSignalAndInsertLog(ctx context.Context, signalID string, entry *model.AutomationLogEntry) (string, error)

	// AppendAutomationLog inserts a new log row and returns its id.
	AppendAutomationLog(ctx context.Context, entry *model.AutomationLogEntry) (string, error)

	// UpdateAutomationLog replaces the message list of an existing log row.
	// Only valid for LogManual rows still within their originating request.
	UpdateAutomationLog(ctx context.Context, id string, messages []model.MessageParam) error

	// GetAutomationLog fetches one log row by id.
	GetAutomationLog(ctx context.Context, id string) (*model.AutomationLogEntry, error)

	// RecordServiceCall persists one call-service invocation tied to a log row.
	RecordServiceCall(ctx context.Context, automationLogID string, call *model.CallServiceLogEntry) error

	// AppendLog appends one line to the app log tail.
	AppendLog(ctx context.Context, level, message string, at time.Time) error

	// Checkpoint flushes and fsyncs the store. Invoked on shutdown.
	Checkpoint(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case nil:
		return json.RawMessage(`{}`), nil
	default:
		return json.Marshal(v)
	}
}
