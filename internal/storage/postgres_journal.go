package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lib/pq"

	"github.com/example/ride-sync/internal/models"
)

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

func (p *PostgresJournal) Close() error { return p.db.Close() }

// Migrate applies a SQL file. The shipped migrations are idempotent.
func (p *PostgresJournal) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

func (p *PostgresJournal) Record(ctx context.Context, rec TransitionRecord) error {
	snap, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO ride_transitions(id, ride_id, from_status, to_status, version, ride_updated_at, source, intents, snapshot, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (ride_id, version, ride_updated_at) DO NOTHING`,
		rec.ID, rec.RideID, string(rec.From), string(rec.To), rec.Version, rec.Snapshot.UpdatedAt.UTC(), string(rec.Source), pq.Array(rec.Intents), snap, rec.RecordedAt)
	return err
}

func (p *PostgresJournal) History(ctx context.Context, rideID string) ([]TransitionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, from_status, to_status, version, source, intents, snapshot, recorded_at
		FROM ride_transitions WHERE ride_id = $1 ORDER BY version, ride_updated_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec              TransitionRecord
			from, to, source string
			snap             []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RideID, &from, &to, &rec.Version, &source, pq.Array(&rec.Intents), &snap, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.From, rec.To = models.Status(from), models.Status(to)
		rec.Source = models.Source(source)
		if err := json.Unmarshal(snap, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot for %s v%d: %w", rec.RideID, rec.Version, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
