package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"donor-insights/internal/donor"
)

// PostgresSchema creates the tables PostgresRepository reads.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS donors (
	id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS donations (
	donor_id TEXT NOT NULL REFERENCES donors(id) ON DELETE CASCADE,
	amount NUMERIC(12,2) NOT NULL CHECK (amount >= 0),
	occurred_at TIMESTAMPTZ NOT NULL,
	project_category TEXT
);
CREATE TABLE IF NOT EXISTS communications (
	donor_id TEXT NOT NULL REFERENCES donors(id) ON DELETE CASCADE,
	occurred_at TIMESTAMPTZ NOT NULL,
	responded BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS event_participations (
	donor_id TEXT NOT NULL REFERENCES donors(id) ON DELETE CASCADE,
	category TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS donations_donor_idx ON donations (donor_id, occurred_at);
CREATE INDEX IF NOT EXISTS communications_donor_idx ON communications (donor_id);
CREATE INDEX IF NOT EXISTS event_participations_donor_idx ON event_participations (donor_id);
`

// NewPostgresPool opens a pgx connection pool for databaseURL.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// PostgresRepository implements donor.Repository over the relational schema
// in PostgresSchema.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on an open pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, PostgresSchema)
	return err
}

// PutDonors inserts or replaces donor records with all their activity.
func (r *PostgresRepository) PutDonors(ctx context.Context, records ...donor.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if rec.ID == "" {
			return errors.New("donor record has no id")
		}
		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM donors WHERE id = $1;`, rec.ID)
		batch.Queue(`INSERT INTO donors (id) VALUES ($1);`, rec.ID)
		for _, d := range rec.Donations {
			batch.Queue(`
INSERT INTO donations (donor_id, amount, occurred_at, project_category)
VALUES ($1, $2, $3, NULLIF($4, ''));
`, rec.ID, d.Amount, d.OccurredAt, d.ProjectCategory)
		}
		for _, c := range rec.Communications {
			batch.Queue(`
INSERT INTO communications (donor_id, occurred_at, responded)
VALUES ($1, $2, $3);
`, rec.ID, c.OccurredAt, c.Response)
		}
		for _, ev := range rec.EventParticipations {
			batch.Queue(`
INSERT INTO event_participations (donor_id, category, occurred_at)
VALUES ($1, $2, $3);
`, rec.ID, ev.Category, ev.OccurredAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("store donor %s: %w", rec.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetAllDonors loads every donor with its activity in three scans.
func (r *PostgresRepository) GetAllDonors(ctx context.Context) ([]donor.Record, error) {
	return r.load(ctx, "", false)
}

// GetDonorByID loads one donor, or returns an error wrapping
// donor.ErrNotFound.
func (r *PostgresRepository) GetDonorByID(ctx context.Context, id string) (donor.Record, error) {
	records, err := r.load(ctx, id, true)
	if err != nil {
		return donor.Record{}, err
	}
	if len(records) == 0 {
		return donor.Record{}, fmt.Errorf("donor %s: %w", id, donor.ErrNotFound)
	}
	return records[0], nil
}

// load reads donors and their activity, restricted to one id when filtered.
func (r *PostgresRepository) load(ctx context.Context, id string, filtered bool) ([]donor.Record, error) {
	where := ""
	var args []any
	if filtered {
		where = "WHERE donor_id = $1"
		args = []any{id}
	}

	byID := make(map[string]*donor.Record)
	var order []string

	donorWhere := ""
	if filtered {
		donorWhere = "WHERE id = $1"
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM donors `+donorWhere+` ORDER BY id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query donors: %w", err)
	}
	for rows.Next() {
		var donorID string
		if err := rows.Scan(&donorID); err != nil {
			rows.Close()
			return nil, err
		}
		byID[donorID] = &donor.Record{ID: donorID}
		order = append(order, donorID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	rows, err = r.pool.Query(ctx, `
SELECT donor_id, amount::float8, occurred_at, COALESCE(project_category, '')
FROM donations `+where+`
ORDER BY donor_id, occurred_at;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query donations: %w", err)
	}
	err = scanEach(rows, func() error {
		var donorID string
		var d donor.Donation
		if err := rows.Scan(&donorID, &d.Amount, &d.OccurredAt, &d.ProjectCategory); err != nil {
			return err
		}
		if rec, ok := byID[donorID]; ok {
			rec.Donations = append(rec.Donations, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan donations: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
SELECT donor_id, occurred_at, responded
FROM communications `+where+`;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query communications: %w", err)
	}
	err = scanEach(rows, func() error {
		var donorID string
		var c donor.Communication
		if err := rows.Scan(&donorID, &c.OccurredAt, &c.Response); err != nil {
			return err
		}
		if rec, ok := byID[donorID]; ok {
			rec.Communications = append(rec.Communications, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan communications: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
SELECT donor_id, category, occurred_at
FROM event_participations `+where+`;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query event participations: %w", err)
	}
	err = scanEach(rows, func() error {
		var donorID string
		var ev donor.EventParticipation
		if err := rows.Scan(&donorID, &ev.Category, &ev.OccurredAt); err != nil {
			return err
		}
		if rec, ok := byID[donorID]; ok {
			rec.EventParticipations = append(rec.EventParticipations, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan event participations: %w", err)
	}

	records := make([]donor.Record, len(order))
	for i, donorID := range order {
		records[i] = *byID[donorID]
	}
	return records, nil
}

func scanEach(rows pgx.Rows, scan func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := scan(); err != nil {
			return err
		}
	}
	return rows.Err()
}
