package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigmaSquared/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sigma_events (
	id           uuid PRIMARY KEY,
	kind         text NOT NULL,
	source       text NOT NULL,
	block_number bigint NOT NULL,
	emitted_at   timestamptz NOT NULL,
	payload      jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS sigma_events_kind_block ON sigma_events (kind, block_number);
CREATE TABLE IF NOT EXISTS sigma_snapshots (
	name         text PRIMARY KEY,
	block_number bigint NOT NULL,
	data         jsonb NOT NULL,
	updated_at   timestamptz NOT NULL
);
`

// Store journals events and engine snapshots in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the journal and snapshot tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping checks that the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Publish(ctx context.Context, event model.Event) error {
	return s.PutEventBatch(ctx, []model.Event{event})
}

// PutEventBatch inserts events. Replayed ids are ignored.
func (s *Store) PutEventBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", event.ID, err)
		}
		emittedAt, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			emittedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO sigma_events (id, kind, source, block_number, emitted_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`,
			event.ID,
			string(event.Kind),
			event.Source,
			int64(event.BlockNumber),
			emittedAt,
			payload,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for a name.
func (s *Store) LoadSnapshot(ctx context.Context, name string) ([]byte, uint64, bool, error) {
	if name == "" {
		return nil, 0, false, fmt.Errorf("snapshot name required")
	}
	var (
		data  []byte
		block int64
	)
	row := s.pool.QueryRow(ctx, `SELECT data, block_number FROM sigma_snapshots WHERE name=$1`, name)
	if err := row.Scan(&data, &block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return data, uint64(block), true, nil
}

// SaveSnapshot upserts the snapshot for a name.
func (s *Store) SaveSnapshot(ctx context.Context, name string, block uint64, data []byte) error {
	if name == "" {
		return fmt.Errorf("snapshot name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sigma_snapshots (name, block_number, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET block_number = EXCLUDED.block_number, data = EXCLUDED.data, updated_at = now()
	`, name, int64(block), data)
	return err
}
