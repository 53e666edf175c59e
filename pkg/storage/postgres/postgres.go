package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/censys/brt-gps-collector/pkg/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS raw_data (
  bus_id VARCHAR(50) NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  speed DOUBLE PRECISION NOT NULL,
  captured_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (bus_id, captured_at)
);`

// xmax is zero only for a freshly inserted tuple. The WHERE clause turns a
// replay of identical values into a no-op so it reports no row.
const upsertOverwrite = `
INSERT INTO raw_data (bus_id, latitude, longitude, speed, captured_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bus_id, captured_at)
DO UPDATE SET
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  speed = EXCLUDED.speed
WHERE (raw_data.latitude, raw_data.longitude, raw_data.speed)
  IS DISTINCT FROM (EXCLUDED.latitude, EXCLUDED.longitude, EXCLUDED.speed)
RETURNING (xmax = 0);
`

const upsertIgnore = `
INSERT INTO raw_data (bus_id, latitude, longitude, speed, captured_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bus_id, captured_at) DO NOTHING
RETURNING true;
`

// querier is the subset of pgx shared by pools and acquired connections.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Acquire checks out one pooled connection. The caller must Release it.
func (r *Repository) Acquire(ctx context.Context) (storage.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Ping verifies the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// Session is a single pooled connection used for the duration of one tick.
type Session struct {
	conn *pgxpool.Conn
}

// EnsureSchema creates the raw_data table if it is missing.
func (s *Session) EnsureSchema(ctx context.Context) error {
	return ensureSchema(ctx, s.conn)
}

// Upsert writes one record. Every call is its own implicit transaction, so
// a failing row never rolls back its siblings.
func (s *Session) Upsert(ctx context.Context, record storage.PositionRecord, policy storage.ConflictPolicy) (storage.UpsertResult, error) {
	return upsert(ctx, s.conn, record, policy)
}

// Release returns the connection to the pool. Safe to call more than once.
func (s *Session) Release() {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

// EnsureSchema creates the raw_data table on a bare pool; used at startup
// before the first tick.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ensureSchema(ctx, pool)
}

func ensureSchema(ctx context.Context, q querier) error {
	if _, err := q.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create raw_data table: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, q querier, record storage.PositionRecord, policy storage.ConflictPolicy) (storage.UpsertResult, error) {
	query := upsertOverwrite
	if policy == storage.ConflictIgnore {
		query = upsertIgnore
	}

	var inserted bool
	err := q.QueryRow(ctx, query,
		record.BusID,
		record.Latitude,
		record.Longitude,
		record.Speed,
		record.CapturedAt.UTC(),
	).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return storage.Unchanged, nil
	case err != nil:
		return storage.Unchanged, fmt.Errorf("upsert position %s@%s: %w", record.BusID, record.CapturedAt.Format(time.RFC3339Nano), err)
	case inserted:
		return storage.Inserted, nil
	default:
		return storage.Updated, nil
	}
}

// NewPool builds a pgx pool with tuned defaults without dialing the
// database. Connections are made on first Acquire, so an unreachable
// database surfaces per tick instead of at startup.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// One tick holds one connection; the rest serve readiness probes.
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return pool, nil
}

// NewDB opens a pool like NewPool and pings it.
func NewDB(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	pool, err := NewPool(ctx, connString, maxConns)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
