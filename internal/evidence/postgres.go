package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evidence_artifacts (
    id             TEXT PRIMARY KEY,
    spec_id        TEXT NOT NULL,
    partition      TEXT NOT NULL,
    stage          TEXT NOT NULL DEFAULT '',
    checkpoint     TEXT NOT NULL DEFAULT '',
    attempt        INTEGER NOT NULL,
    role           TEXT NOT NULL,
    kind           TEXT NOT NULL,
    content        BYTEA NOT NULL,
    schema_version INTEGER NOT NULL,
    recorded_at    TEXT NOT NULL,
    degraded       BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (spec_id, partition, attempt, role)
);
CREATE INDEX IF NOT EXISTS idx_evidence_spec ON evidence_artifacts(spec_id, partition, attempt);
`

// PostgresStore keeps artifacts in a PostgreSQL table. Locks are session-level
// advisory locks held on a dedicated pooled connection.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	conns map[string]*pgxpool.Conn
}

// NewPostgresStore creates a pool for dsn. Connections are made lazily.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, conns: make(map[string]*pgxpool.Conn)}, nil
}

// Migrate creates the artifact table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return s.wrap(fmt.Errorf("apply evidence schema: %w", err))
	}
	return nil
}

// Ping checks that the server is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.wrap(s.pool.Ping(ctx))
}

// wrap marks connection-level failures as unavailability. Errors the server
// itself reported are returned unchanged.
func (s *PostgresStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) {
		return err
	}
	return pipeline.Unavailable(fmt.Errorf("postgres: %w", err))
}

// Store writes a new artifact. It never overwrites.
func (s *PostgresStore) Store(ctx context.Context, a Artifact) (Artifact, error) {
	if err := prepare(&a); err != nil {
		return Artifact{}, err
	}
	k := a.Key()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence_artifacts
			(id, spec_id, partition, stage, checkpoint, attempt, role, kind, content, schema_version, recorded_at, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SpecID, k.Partition, string(a.Stage), string(a.Checkpoint), a.Attempt, a.Role, a.Kind,
		a.Content, a.SchemaVersion, a.Timestamp, a.Degraded)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Artifact{}, fmt.Errorf("%s: %w", k, pipeline.ErrDuplicateArtifact)
		}
		return Artifact{}, s.wrap(err)
	}
	return a, nil
}

// Has reports whether an artifact exists for k.
func (s *PostgresStore) Has(ctx context.Context, k Key) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM evidence_artifacts
		WHERE spec_id = $1 AND partition = $2 AND attempt = $3 AND role = $4)`,
		k.SpecID, k.Partition, k.Attempt, k.Role).Scan(&exists)
	if err != nil {
		return false, s.wrap(err)
	}
	return exists, nil
}

// Fetch returns the artifacts matching q.
func (s *PostgresStore) Fetch(ctx context.Context, q Query) ([]Artifact, error) {
	q, ok, err := resolveLatest(ctx, s, q)
	if err != nil || !ok {
		return nil, err
	}
	query := `
		SELECT id, spec_id, stage, checkpoint, attempt, role, kind, content, schema_version, recorded_at, degraded
		FROM evidence_artifacts WHERE spec_id = $1`
	args := []interface{}{q.SpecID}
	if !q.wholeSpec() {
		args = append(args, Partition(q.Step))
		query += fmt.Sprintf(" AND partition = $%d", len(args))
	}
	if q.Attempt > 0 {
		args = append(args, q.Attempt)
		query += fmt.Sprintf(" AND attempt = $%d", len(args))
	}
	query += " ORDER BY partition, attempt, recorded_at, role"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	arts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Artifact, error) {
		var a Artifact
		var stage, checkpoint string
		err := row.Scan(&a.ID, &a.SpecID, &stage, &checkpoint, &a.Attempt, &a.Role, &a.Kind,
			&a.Content, &a.SchemaVersion, &a.Timestamp, &a.Degraded)
		a.Stage = pipeline.Stage(stage)
		a.Checkpoint = pipeline.Checkpoint(checkpoint)
		return a, err
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return arts, nil
}

// LatestAttempt returns the highest attempt recorded for a step, or 0.
func (s *PostgresStore) LatestAttempt(ctx context.Context, specID string, step pipeline.Step) (int, error) {
	var latest int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt), 0) FROM evidence_artifacts
		WHERE spec_id = $1 AND partition = $2`, specID, Partition(step)).Scan(&latest)
	if err != nil {
		return 0, s.wrap(err)
	}
	return latest, nil
}

// ListSpecs returns every spec id with recorded evidence.
func (s *PostgresStore) ListSpecs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT spec_id FROM evidence_artifacts ORDER BY spec_id`)
	if err != nil {
		return nil, s.wrap(err)
	}
	specs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.wrap(err)
	}
	return specs, nil
}

// Lock takes a session advisory lock keyed by the spec id.
func (s *PostgresStore) Lock(ctx context.Context, specID string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return s.wrap(err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, specID); err != nil {
		conn.Release()
		return s.wrap(err)
	}
	s.mu.Lock()
	s.conns[specID] = conn
	s.mu.Unlock()
	return nil
}

// Unlock releases the advisory lock and returns its connection to the pool.
func (s *PostgresStore) Unlock(ctx context.Context, specID string) error {
	s.mu.Lock()
	conn, ok := s.conns[specID]
	delete(s.conns, specID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %s: not locked", specID)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, specID); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
