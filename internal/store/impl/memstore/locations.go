package memstore

import (
	"context"
	"sync"

	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
)

// Locations is an in-memory location.Repository.
type Locations struct {
	mu   sync.RWMutex
	list map[identity.ID]location.Record
}

func NewLocations() *Locations {
	return &Locations{list: make(map[identity.ID]location.Record)}
}

func (l *Locations) Upsert(ctx context.Context, rec location.Record) error {
	l.mu.Lock()
	l.list[rec.TrackableID] = rec
	l.mu.Unlock()
	return nil
}

func (l *Locations) Get(ctx context.Context, id identity.ID) (location.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.list[id]
	if !ok {
		return location.Record{}, location.ErrNotFound
	}
	return rec, nil
}

func (l *Locations) Delete(ctx context.Context, id identity.ID) error {
	l.mu.Lock()
	delete(l.list, id)
	l.mu.Unlock()
	return nil
}

func (l *Locations) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.list)
}
