// Package postgres implements matdisc.LongTermStore on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
)

// Store implements matdisc.LongTermStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

var _ matdisc.LongTermStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: matdisc.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the facts table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS facts (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, key)
	)`)
	if err != nil {
		return &matdisc.ErrMemory{Op: "init", Err: err}
	}
	return nil
}

// GetAll returns every fact stored for the user, newest first.
func (s *Store) GetAll(ctx context.Context, userID string) ([]matdisc.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, key, value, session_id, turn_id, updated_at
		 FROM facts WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
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
	s.logger.Debug("postgres: facts loaded", "user", userID, "count", len(facts))
	return facts, nil
}

// Upsert writes a fact, replacing any existing value for (user_id, key).
// Idempotent last-write-wins.
func (s *Store) Upsert(ctx context.Context, f matdisc.Fact) error {
	if f.UpdatedAt == 0 {
		f.UpdatedAt = matdisc.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO facts (user_id, key, value, session_id, turn_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			session_id = EXCLUDED.session_id,
			turn_id = EXCLUDED.turn_id,
			updated_at = EXCLUDED.updated_at`,
		f.UserID, f.Key, f.Value, f.SessionID, f.TurnID, f.UpdatedAt)
	if err != nil {
		return &matdisc.ErrMemory{Op: "upsert", Err: err}
	}
	s.logger.Debug("postgres: fact upserted", "user", f.UserID, "key", f.Key)
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
