package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/util/keylock"
)

var (
	ErrNotFound          = errors.New("location not found")
	ErrNotTrackable      = errors.New("device is not a trackable user")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
)

// Record is the latest known position of one trackable user.
type Record struct {
	TrackableID identity.ID `json:"trackable_id"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	UpdatedAt   time.Time   `json:"timestamp"`
}

func (r *Record) MarshalObject(e *log.Entry) {
	e.Str("trackable_id", r.TrackableID.String()).Float64("lat", r.Latitude).Float64("lon", r.Longitude).Time("updated_at", r.UpdatedAt)
}

// Repository keeps one row per trackable id.
type Repository interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id identity.ID) (Record, error)
	Delete(ctx context.Context, id identity.ID) error
}

type Ingester interface {
	CanIngest(ctx context.Context, id identity.ID) (bool, error)
}

// Publisher is invoked with every persisted record while the device is
// still locked, so calls for one device never overlap or reorder.
type Publisher interface {
	Publish(ctx context.Context, rec Record)
}

type Store struct {
	repo  Repository
	gate  Ingester
	pub   Publisher
	locks *keylock.Map
	log   log.Logger
	now   func() time.Time

	last_mu sync.Mutex
	last    map[identity.ID]time.Time
}

func NewStore(repo Repository, gate Ingester, pub Publisher) *Store {
	st := &Store{repo: repo, gate: gate, pub: pub}
	st.locks = keylock.New()
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "location-store").Value()
	st.now = func() time.Time { return time.Now().UTC() }
	st.last = make(map[identity.ID]time.Time)
	return st
}

func ValidCoordinate(lat, lon float64) bool {
	// NaN fails both comparisons
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Update is the single write path. The role check, the upsert and the
// publish for one device form one critical section; distinct devices
// never share a lock.
func (st *Store) Update(ctx context.Context, id identity.ID, lat, lon float64) (Record, error) {
	unlock := st.locks.Lock(id.String())
	defer unlock()

	ok, err := st.gate.CanIngest(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("checking device %s: %w", id, err)
	}
	if !ok {
		return Record{}, ErrNotTrackable
	}
	if !ValidCoordinate(lat, lon) {
		return Record{}, ErrInvalidCoordinate
	}

	rec := Record{TrackableID: id, Latitude: lat, Longitude: lon, UpdatedAt: st.stamp(id)}
	err = st.repo.Upsert(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("storing location of %s: %w", id, err)
	}
	st.remember(id, rec.UpdatedAt)
	st.log.Trace().EmbedObject(&rec).Msg("location stored")
	if st.pub != nil {
		st.pub.Publish(ctx, rec)
	}
	return rec, nil
}

// stamp never goes backwards for a device even if the wall clock does.
func (st *Store) stamp(id identity.ID) time.Time {
	t := st.now()
	st.last_mu.Lock()
	prev, ok := st.last[id]
	st.last_mu.Unlock()
	if ok && t.Before(prev) {
		return prev
	}
	return t
}

func (st *Store) remember(id identity.ID, t time.Time) {
	st.last_mu.Lock()
	st.last[id] = t
	st.last_mu.Unlock()
}

func (st *Store) Latest(ctx context.Context, id identity.ID) (Record, error) {
	return st.repo.Get(ctx, id)
}

// Remove drops the record of a deleted device.
func (st *Store) Remove(ctx context.Context, id identity.ID) error {
	unlock := st.locks.Lock(id.String())
	defer unlock()
	st.last_mu.Lock()
	delete(st.last, id)
	st.last_mu.Unlock()
	return st.repo.Delete(ctx, id)
}
