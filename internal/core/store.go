package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/lock"
)

// Store is a SQLite-backed persistence layer for lock state and health
// history. It implements lock.StateStore and health.RecordSink.
type Store struct {
	db           *sql.DB
	historyLimit int
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string, historyLimit int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from reporting SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	if historyLimit <= 0 {
		historyLimit = health.DefaultHistoryLimit
	}
	s := &Store{db: db, historyLimit: historyLimit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadLockState(ctx context.Context) (lock.State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM lock_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return lock.State{}, false, nil
	}
	if err != nil {
		return lock.State{}, false, fmt.Errorf("query lock state: %w", err)
	}
	var st lock.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return lock.State{}, false, fmt.Errorf("decode lock state: %w", err)
	}
	return st, true, nil
}

func (s *Store) SaveLockState(ctx context.Context, st lock.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lock_state (id, state, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save lock state: %w", err)
	}
	return nil
}

// AppendHealthRecord inserts r and prunes the provider's rows beyond the
// history limit, oldest first.
func (s *Store) AppendHealthRecord(ctx context.Context, r health.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO health_records (provider, ts, outcome, latency_ns, error) VALUES (?, ?, ?, ?, ?)`,
		r.Provider, r.Timestamp.UTC().Format(time.RFC3339Nano), string(r.Outcome), int64(r.Latency), r.Error); err != nil {
		return fmt.Errorf("insert health record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM health_records WHERE provider = ? AND id NOT IN (
			SELECT id FROM health_records WHERE provider = ? ORDER BY id DESC LIMIT ?)`,
		r.Provider, r.Provider, s.historyLimit); err != nil {
		return fmt.Errorf("prune health records: %w", err)
	}
	return tx.Commit()
}

// LoadHealthRecords returns up to limit of the newest records, oldest first.
func (s *Store) LoadHealthRecords(ctx context.Context, provider string, limit int) ([]health.Record, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, outcome, latency_ns, error FROM health_records
		 WHERE provider = ? ORDER BY id DESC LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("query health records: %w", err)
	}
	defer rows.Close()
	var out []health.Record
	for rows.Next() {
		var ts, outcome, msg string
		var latency int64
		if err := rows.Scan(&ts, &outcome, &latency, &msg); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse health record time: %w", err)
		}
		out = append(out, health.Record{
			Provider:  provider,
			Timestamp: at,
			Outcome:   health.Outcome(outcome),
			Latency:   time.Duration(latency),
			Error:     msg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
