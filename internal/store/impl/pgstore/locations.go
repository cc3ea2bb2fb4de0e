package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
)

type Locations struct {
	db *pgxpool.Pool
}

func NewLocations(db *pgxpool.Pool) *Locations {
	return &Locations{db: db}
}

func (l *Locations) Upsert(ctx context.Context, rec location.Record) error {
	sqlStmt := `INSERT INTO latest_location (trackable_id,latitude,longitude,updated_at) VALUES ($1,$2,$3,$4)
	ON CONFLICT (trackable_id) DO UPDATE SET latitude = excluded.latitude, longitude = excluded.longitude, updated_at = excluded.updated_at`
	_, err := l.db.Exec(ctx, sqlStmt, rec.TrackableID.String(), rec.Latitude, rec.Longitude, rec.UpdatedAt)
	return err
}

func (l *Locations) Get(ctx context.Context, id identity.ID) (location.Record, error) {
	rec := location.Record{TrackableID: id}
	err := l.db.QueryRow(ctx, `SELECT latitude,longitude,updated_at FROM latest_location WHERE trackable_id = $1`, id.String()).
		Scan(&rec.Latitude, &rec.Longitude, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return location.Record{}, location.ErrNotFound
	}
	if err != nil {
		return location.Record{}, err
	}
	return rec, nil
}

func (l *Locations) Delete(ctx context.Context, id identity.ID) error {
	_, err := l.db.Exec(ctx, `DELETE FROM latest_location WHERE trackable_id = $1`, id.String())
	return err
}
