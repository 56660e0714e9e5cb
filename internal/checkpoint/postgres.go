package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a PostgreSQL-backed [Store] for shared, multi-host harness
// deployments. All methods are safe for concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Store = (*PGStore)(nil)

// pgSchema creates the checkpoints table. The (session_id, turn) primary key
// enforces the write-once-per-turn invariant at the database level.
const pgSchema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
	    session_id     TEXT    NOT NULL,
	    turn           INTEGER NOT NULL,
	    schema_version INTEGER NOT NULL,
	    payload        JSONB   NOT NULL,
	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	    PRIMARY KEY (session_id, turn)
	)`

// NewPGStore connects to connString and ensures the checkpoints table exists.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Write implements [Store]. Re-writing an existing (session, turn) key is a
// conflict, not an update: checkpoints are immutable.
func (s *PGStore) Write(ctx context.Context, cp *Checkpoint) (string, error) {
	data, err := cp.Encode()
	if err != nil {
		return "", err
	}

	const q = `
		INSERT INTO checkpoints (session_id, turn, schema_version, payload)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, cp.SessionID, cp.Turn, cp.SchemaVersion, data); err != nil {
		return "", fmt.Errorf("checkpoint: insert %s/%d: %w", cp.SessionID, cp.Turn, err)
	}
	return fmt.Sprintf("pg://checkpoints/%s/%d", cp.SessionID, cp.Turn), nil
}

// Read implements [Store].
func (s *PGStore) Read(ctx context.Context, sessionID string, turn int) (*Checkpoint, error) {
	const q = `
		SELECT payload
		FROM   checkpoints
		WHERE  session_id = $1 AND turn = $2`

	var data []byte
	err := s.pool.QueryRow(ctx, q, sessionID, turn).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, sessionID, turn)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: select %s/%d: %w", sessionID, turn, err)
	}
	return Decode(data)
}

// List implements [Store].
func (s *PGStore) List(ctx context.Context, sessionID string) ([]int, error) {
	const q = `
		SELECT turn
		FROM   checkpoints
		WHERE  session_id = $1
		ORDER  BY turn`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []int
	for rows.Next() {
		var turn int
		if err := rows.Scan(&turn); err != nil {
			return nil, fmt.Errorf("checkpoint: scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", sessionID, err)
	}
	return turns, nil
}
