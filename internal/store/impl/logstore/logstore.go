package logstore

import (
	"github.com/rs/zerolog"
	"nuha.dev/locwatch/internal/location"
)

// LogStore is an Archive that writes history to a zerolog logger.
type LogStore struct {
	log zerolog.Logger
}

func NewStore(l zerolog.Logger) *LogStore {
	return &LogStore{log: l.With().Str("module", "logstore").Logger()}
}

func (l *LogStore) Put(rec location.Record) {
	l.log.Info().Str("trackable_id", rec.TrackableID.String()).Float64("lat", rec.Latitude).Float64("lon", rec.Longitude).Time("timestamp", rec.UpdatedAt).Msg("location")
}
