package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	name   string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Ensure PostgresStore implements the Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool. The schema must already exist, see
// SchemaManager.
func NewPostgresStore(name string, pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		name:   name,
		pool:   pool,
		logger: logger.With(zap.String("store", name)),
	}
}

func (r *PostgresStore) Name() string { return r.name }

// Close releases all database resources
func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

// freshCutoff converts a freshness window to the oldest acceptable update
// time. A zero window accepts everything.
func freshCutoff(freshness time.Duration) time.Time {
	if freshness <= 0 {
		return time.Unix(0, 0)
	}
	return time.Now().Add(-freshness)
}

// GetIP retrieves a fresh IP verdict
func (r *PostgresStore) GetIP(ctx context.Context, ip string, freshness time.Duration) (*IPVerdict, error) {
	query := `
		SELECT ip, algorithm, cascade_result, consensus_score, created_at, updated_at
		FROM ip_verdicts
		WHERE ip = $1 AND updated_at > $2`

	v := &IPVerdict{}
	var algorithm int16
	err := r.pool.QueryRow(ctx, query, ip, freshCutoff(freshness)).Scan(
		&v.IP, &algorithm, &v.Cascade, &v.Consensus, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying ip verdict: %w", err)
	}
	v.Algorithm = Algorithm(algorithm)

	return v, nil
}

// ListIPs returns every IP with a fresh verdict
func (r *PostgresStore) ListIPs(ctx context.Context, freshness time.Duration) ([]string, error) {
	query := `
		SELECT ip FROM ip_verdicts
		WHERE updated_at > $1
		ORDER BY ip`

	rows, err := r.pool.Query(ctx, query, freshCutoff(freshness))
	if err != nil {
		return nil, fmt.Errorf("querying ip verdicts: %w", err)
	}

	ips, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning ip rows: %w", err)
	}
	return ips, nil
}

// SaveIP upserts an IP verdict. The creation time of an existing row is kept.
func (r *PostgresStore) SaveIP(ctx context.Context, v *IPVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating ip verdict: %w", err)
	}

	query := `
		INSERT INTO ip_verdicts (ip, algorithm, cascade_result, consensus_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (ip) DO UPDATE SET
			algorithm = EXCLUDED.algorithm,
			cascade_result = EXCLUDED.cascade_result,
			consensus_score = EXCLUDED.consensus_score,
			updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, v.IP, int16(v.Algorithm), v.Cascade, v.Consensus); err != nil {
		return fmt.Errorf("upserting ip verdict: %w", err)
	}

	r.logger.Debug("Stored ip verdict", zap.String("ip", v.IP), zap.Stringer("algorithm", v.Algorithm))
	return nil
}

// DeleteIP removes an IP verdict; deleting a missing row is not an error
func (r *PostgresStore) DeleteIP(ctx context.Context, ip string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM ip_verdicts WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("deleting ip verdict: %w", err)
	}
	return nil
}

// GetPlayer retrieves a fresh player verdict
func (r *PostgresStore) GetPlayer(ctx context.Context, id uuid.UUID, freshness time.Duration) (*PlayerVerdict, error) {
	query := `
		SELECT player::text, flagged, created_at, updated_at
		FROM player_verdicts
		WHERE player = $1::uuid AND updated_at > $2`

	v := &PlayerVerdict{}
	var player string
	err := r.pool.QueryRow(ctx, query, id.String(), freshCutoff(freshness)).Scan(
		&player, &v.Flagged, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying player verdict: %w", err)
	}

	if v.Player, err = uuid.Parse(player); err != nil {
		return nil, fmt.Errorf("parsing player id: %w", err)
	}
	return v, nil
}

// ListPlayers returns every player with a fresh verdict
func (r *PostgresStore) ListPlayers(ctx context.Context, freshness time.Duration) ([]uuid.UUID, error) {
	query := `
		SELECT player::text FROM player_verdicts
		WHERE updated_at > $1
		ORDER BY player`

	rows, err := r.pool.Query(ctx, query, freshCutoff(freshness))
	if err != nil {
		return nil, fmt.Errorf("querying player verdicts: %w", err)
	}

	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning player rows: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			r.logger.Warn("Skipping malformed player id", zap.String("player", s), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SavePlayer upserts a player verdict
func (r *PostgresStore) SavePlayer(ctx context.Context, v *PlayerVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating player verdict: %w", err)
	}

	query := `
		INSERT INTO player_verdicts (player, flagged, created_at, updated_at)
		VALUES ($1::uuid, $2, now(), now())
		ON CONFLICT (player) DO UPDATE SET
			flagged = EXCLUDED.flagged,
			updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, v.Player.String(), v.Flagged); err != nil {
		return fmt.Errorf("upserting player verdict: %w", err)
	}
	return nil
}

// DeletePlayer removes a player verdict
func (r *PostgresStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM player_verdicts WHERE player = $1::uuid`, id.String()); err != nil {
		return fmt.Errorf("deleting player verdict: %w", err)
	}
	return nil
}

// Truncate removes every verdict. Used by tests against a shared database.
func (r *PostgresStore) Truncate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `TRUNCATE ip_verdicts, player_verdicts`); err != nil {
		return fmt.Errorf("truncating verdicts: %w", err)
	}
	return nil
}
