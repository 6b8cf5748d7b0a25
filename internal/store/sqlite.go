package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/beatrix-ha/beatrix/internal/model"
)

// SQLiteStore implements Store on top of a single embedded modernc.org/sqlite
// database file. All mutations go through db, which database/sql already
// serializes with its internal connection pool held to size 1 (see Open).
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or migrates a SQLite-backed store at path. Pass ":memory:" for
// an ephemeral store (used by tests and the evaluation harness).
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single connection serializes all mutations and keeps reads
	// snapshot-consistent without adding a locking layer on top of
	// database/sql.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			automation_hash TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			is_dead INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_hash ON signals(automation_hash, is_dead)`,
		`CREATE TABLE IF NOT EXISTS automation_logs (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			automation_hash TEXT,
			type TEXT NOT NULL,
			messages TEXT NOT NULL,
			signaled_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_logs_hash ON automation_logs(automation_hash, type)`,
		`CREATE TABLE IF NOT EXISTS call_service_logs (
			created_at DATETIME NOT NULL,
			automation_log_id TEXT NOT NULL,
			service TEXT NOT NULL,
			target TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_service_logs_log ON call_service_logs(automation_log_id)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			created_at DATETIME NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) AliveSignalsForHash(ctx context.Context, hash string) ([]*model.Signal, error) {
	return s.querySignals(ctx, `SELECT id, automation_hash, kind, data, is_dead, created_at
		FROM signals WHERE automation_hash = ? AND is_dead = 0 ORDER BY created_at`, hash)
}

func (s *SQLiteStore) AliveSignals(ctx context.Context) ([]*model.Signal, error) {
	return s.querySignals(ctx, `SELECT id, automation_hash, kind, data, is_dead, created_at
		FROM signals WHERE is_dead = 0 ORDER BY created_at`)
}

func (s *SQLiteStore) querySignals(ctx context.Context, query string, args ...any) ([]*model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query signals: %w", err)
	}
	defer rows.Close()

	var out []*model.Signal
	for rows.Next() {
		sig := &model.Signal{}
		var data string
		var isDead int
		if err := rows.Scan(&sig.ID, &sig.AutomationHash, &sig.Kind, &data, &isDead, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan signal: %w", err)
		}
		sig.Data = json.RawMessage(data)
		sig.IsDead = isDead != 0
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertSignal(ctx context.Context, hash string, kind model.Kind, data any) (string, error) {
	raw, err := marshalData(data)
	if err != nil {
		return "", fmt.Errorf("store: marshal signal data: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, automation_hash, kind, data, is_dead, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		id, hash, string(kind), string(raw), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store: insert signal: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) KillSignal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: kill signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) KillAllForHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE automation_hash = ? AND is_dead = 0`, hash)
	if err != nil {
		return fmt.Errorf("store: kill all for hash: %w", err)
	}
	return nil
}

// KillSignalAndInsertLog kills signalID and inserts entry in one
// transaction: the log write and the kill either both land or neither does,
// so a crash mid-firing can never produce a dead signal with no
// execute-signal record, nor a live signal with a duplicate one.
func (s *SQLiteStore) KillSignalAndInsertLog(ctx context.Context, signalID string, entry *model.AutomationLogEntry) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE id = ?`, signalID); err != nil {
		return "", fmt.Errorf("store: kill signal in tx: %w", err)
	}

	id, err := insertAutomationLogTx(ctx, tx, entry)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendAutomationLog(ctx context.Context, entry *model.AutomationLogEntry) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	id, err := insertAutomationLogTx(ctx, tx, entry)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

func insertAutomationLogTx(ctx context.Context, tx *sql.Tx, entry *model.AutomationLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	messages, err := json.Marshal(entry.Messages)
	if err != nil {
		return "", fmt.Errorf("store: marshal messages: %w", err)
	}
	var signaledBy sql.NullString
	if entry.SignaledBy != nil {
		raw, err := json.Marshal(entry.SignaledBy)
		if err != nil {
			return "", fmt.Errorf("store: marshal signaled_by: %w", err)
		}
		signaledBy = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO automation_logs (id, created_at, automation_hash, type, messages, signaled_by) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CreatedAt, entry.AutomationHash, string(entry.Type), string(messages), signaledBy)
	if err != nil {
		return "", fmt.Errorf("store: insert automation log: %w", err)
	}
	return entry.ID, nil
}

func (s *SQLiteStore) UpdateAutomationLog(ctx context.Context, id string, messages []model.MessageParam) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("store: marshal messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE automation_logs SET messages = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return fmt.Errorf("store: update automation log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAutomationLog(ctx context.Context, id string) (*model.AutomationLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, automation_hash, type, messages, signaled_by FROM automation_logs WHERE id = ?`, id)
	entry := &model.AutomationLogEntry{}
	var hash sql.NullString
	var messages string
	var signaledBy sql.NullString
	if err := row.Scan(&entry.ID, &entry.CreatedAt, &hash, &entry.Type, &messages, &signaledBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get automation log: %w", err)
	}
	entry.AutomationHash = hash.String
	if err := json.Unmarshal([]byte(messages), &entry.Messages); err != nil {
		return nil, fmt.Errorf("store: unmarshal messages: %w", err)
	}
	if signaledBy.Valid {
		var sig model.Signal
		if err := json.Unmarshal([]byte(signaledBy.String), &sig); err != nil {
			return nil, fmt.Errorf("store: unmarshal signaled_by: %w", err)
		}
		entry.SignaledBy = &sig
	}
	return entry, nil
}

func (s *SQLiteStore) RecordServiceCall(ctx context.Context, automationLogID string, call *model.CallServiceLogEntry) error {
	target, err := json.Marshal(call.Target)
	if err != nil {
		return fmt.Errorf("store: marshal target: %w", err)
	}
	data, err := json.Marshal(call.Data)
	if err != nil {
		return fmt.Errorf("store: marshal data: %w", err)
	}
	at := call.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_service_logs (created_at, automation_log_id, service, target, data) VALUES (?, ?, ?, ?, ?)`,
		at, automationLogID, call.Service, string(target), string(data))
	if err != nil {
		return fmt.Errorf("store: record service call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, level, message string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO logs (created_at, level, message) VALUES (?, ?, ?)`, at, level, message)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

// Checkpoint runs a WAL checkpoint so shutdown leaves a consistent single
// file on disk.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
