package keydir

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource serves project keys from the Postgres metadata store. The
// pipeline only ever reads; project and key writes happen through the
// keygen tool and whatever service owns the rest of the schema.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource opens a connection pool against the metadata store. The store
// is not contacted until the first query or Ping, so the collector can start
// while the store is down.
func NewPGSource(ctx context.Context, url string) (*PGSource, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to configure metadata store pool: %w", err)
	}
	return &PGSource{pool: pool}, nil
}

// LookupAllProjectKeys returns every project's stored verifier.
func (s *PGSource) LookupAllProjectKeys(ctx context.Context) ([]ProjectKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, api_key_hash FROM projects WHERE api_key_hash IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query project keys: %w", err)
	}
	defer rows.Close()

	var keys []ProjectKey
	for rows.Next() {
		var pk ProjectKey
		if err := rows.Scan(&pk.ProjectID, &pk.VerifierHash); err != nil {
			return nil, fmt.Errorf("failed to scan project key row: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read project key rows: %w", err)
	}
	return keys, nil
}

// Ping verifies the metadata store is reachable.
func (s *PGSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PGSource) Close() {
	s.pool.Close()
}
