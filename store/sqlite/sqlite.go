// Package sqlite implements matdisc.LongTermStore on a local SQLite file
// using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements matdisc.LongTermStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ matdisc.LongTermStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: matdisc.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the facts table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS facts (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		session_id TEXT,
		turn_id TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	)`)
	if err != nil {
		return &matdisc.ErrMemory{Op: "init", Err: err}
	}
	return nil
}

// GetAll returns every fact stored for the user, newest first.
func (s *Store) GetAll(ctx context.Context, userID string) ([]matdisc.Fact, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, COALESCE(session_id, ''), COALESCE(turn_id, ''), updated_at
		 FROM facts WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, &matdisc.ErrMemory{Op: "get", Err: err}
	}
	defer rows.Close()

	var facts []matdisc.Fact
	for rows.Next() {
		var f matdisc.Fact
		if err := rows.Scan(&f.UserID, &f.Key, &f.Value, &f.SessionID, &f.TurnID, &f.UpdatedAt); err != nil {
			return nil, &matdisc.ErrMemory{Op: "scan", Err: err}
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &matdisc.ErrMemory{Op: "get", Err: err}
	}
	s.logger.Debug("sqlite: facts loaded", "user", userID, "count", len(facts), "duration", time.Since(start))
	return facts, nil
}

// Upsert writes a fact, replacing any existing value for (user_id, key).
// Idempotent last-write-wins.
func (s *Store) Upsert(ctx context.Context, f matdisc.Fact) error {
	if f.UpdatedAt == 0 {
		f.UpdatedAt = matdisc.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (user_id, key, value, session_id, turn_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			session_id = excluded.session_id,
			turn_id = excluded.turn_id,
			updated_at = excluded.updated_at`,
		f.UserID, f.Key, f.Value, f.SessionID, f.TurnID, f.UpdatedAt)
	if err != nil {
		return &matdisc.ErrMemory{Op: "upsert", Err: err}
	}
	s.logger.Debug("sqlite: fact upserted", "user", f.UserID, "key", f.Key)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
