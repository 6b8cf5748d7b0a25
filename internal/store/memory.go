package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beatrix-ha/beatrix/internal/model"
)

// MemoryStore is an in-process Store used by tests and the evaluation
// harness: a mutex-guarded map plus an insertion-ordered key slice.
type MemoryStore struct {
	mu       sync.Mutex
	signals  map[string]*model.Signal
	order    []string
	logs     map[string]*model.AutomationLogEntry
	logOrder []string
	calls    []*model.CallServiceLogEntry
	appLogs  []appLogLine
}

type appLogLine struct {
	at      time.Time
	level   string
	message string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]*model.Signal),
		logs:    make(map[string]*model.AutomationLogEntry),
	}
}

func (s *MemoryStore) AliveSignalsForHash(ctx context.Context, hash string) ([]*model.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Signal
	for _, id := range s.order {
		sig := s.signals[id]
		if sig != nil && sig.AutomationHash == hash && !sig.IsDead {
			out = append(out, cloneSignal(sig))
		}
	}
	return out, nil
}

func (s *MemoryStore) AliveSignals(ctx context.Context) ([]*model.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Signal
	for _, id := range s.order {
		sig := s.signals[id]
		if sig != nil && !sig.IsDead {
			out = append(out, cloneSignal(sig))
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertSignal(ctx context.Context, hash string, kind model.Kind, data any) (string, error) {
	raw, err := marshalData(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.signals[id] = &model.Signal{
		ID:             id,
		AutomationHash: hash,
		Kind:           kind,
		Data:           raw,
		CreatedAt:      time.Now().UTC(),
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) KillSignal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[id]; ok {
		sig.IsDead = true
	}
	return nil
}

func (s *MemoryStore) KillAllForHash(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.signals {
		if sig.AutomationHash == hash {
			sig.IsDead = true
		}
	}
	return nil
}

func (s *MemoryStore) KillSignalAndInsertLog(ctx context.Context, signalID string, entry *model.AutomationLogEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[signalID]; ok {
		sig.IsDead = true
	}
	return s.insertLogLocked(entry), nil
}

func (s *MemoryStore) AppendAutomationLog(ctx context.Context, entry *model.AutomationLogEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLogLocked(entry), nil
}

func (s *MemoryStore) insertLogLocked(entry *model.AutomationLogEntry) string {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	clone := *entry
	clone.Messages = append([]model.MessageParam(nil), entry.Messages...)
	s.logs[entry.ID] = &clone
	s.logOrder = append(s.logOrder, entry.ID)
	return entry.ID
}

func (s *MemoryStore) UpdateAutomationLog(ctx context.Context, id string, messages []model.MessageParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	entry.Messages = append([]model.MessageParam(nil), messages...)
	return nil
}

func (s *MemoryStore) GetAutomationLog(ctx context.Context, id string) (*model.AutomationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entry
	clone.Messages = append([]model.MessageParam(nil), entry.Messages...)
	return &clone, nil
}

func (s *MemoryStore) RecordServiceCall(ctx context.Context, automationLogID string, call *model.CallServiceLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *call
	clone.AutomationLogID = automationLogID
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.calls = append(s.calls, &clone)
	return nil
}

// ServiceCalls returns every recorded call-service log entry, for tests.
func (s *MemoryStore) ServiceCalls() []*model.CallServiceLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.CallServiceLogEntry, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *MemoryStore) AppendLog(ctx context.Context, level, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.appLogs = append(s.appLogs, appLogLine{at: at, level: level, message: message})
	return nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneSignal(sig *model.Signal) *model.Signal {
	clone := *sig
	return &clone
}
