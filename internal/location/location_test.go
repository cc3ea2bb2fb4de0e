package location_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"nuha.dev/locwatch/internal/authz"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/store/impl/memstore"
)

type recorder struct {
	mu   sync.Mutex
	recs []location.Record
}

func (r *recorder) Publish(ctx context.Context, rec location.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

type fixture struct {
	dir  *memstore.Directory
	repo *memstore.Locations
	pub  *recorder
	st   *location.Store
}

func newFixture() *fixture {
	f := &fixture{dir: memstore.NewDirectory(), repo: memstore.NewLocations(), pub: &recorder{}}
	f.st = location.NewStore(f.repo, authz.New(f.dir), f.pub)
	return f
}

func (f *fixture) user(t *testing.T, role identity.Role) identity.ID {
	id := identity.NewID()
	require.NoError(t, f.dir.Create(context.Background(), &identity.User{ID: id, Email: id.String() + "@x.io", Role: role}))
	return id
}

func TestUpdateUpserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	dev := f.user(t, identity.Trackable)

	first, err := f.st.Update(ctx, dev, 10, 20)
	require.NoError(t, err)
	second, err := f.st.Update(ctx, dev, 11, 21)
	require.NoError(t, err)
	require.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	require.Equal(t, 1, f.repo.Len())
	latest, err := f.st.Latest(ctx, dev)
	require.NoError(t, err)
	require.Equal(t, 11.0, latest.Latitude)
	require.Equal(t, 21.0, latest.Longitude)
	require.Len(t, f.pub.recs, 2)
}

func TestUpdateRejectsNonTrackable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, id := range []identity.ID{f.user(t, identity.Watcher), f.user(t, identity.Admin), identity.NewID()} {
		_, err := f.st.Update(ctx, id, 1, 1)
		require.ErrorIs(t, err, location.ErrNotTrackable)
		_, err = f.st.Latest(ctx, id)
		require.ErrorIs(t, err, location.ErrNotFound)
	}
	require.Empty(t, f.pub.recs)
}

func TestUpdateRejectsBadCoordinates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	dev := f.user(t, identity.Trackable)
	bad := [][2]float64{{90.0001, 0}, {-91, 0}, {0, 180.5}, {0, -181}, {math.NaN(), 0}, {0, math.Inf(1)}}
	for _, c := range bad {
		_, err := f.st.Update(ctx, dev, c[0], c[1])
		require.ErrorIs(t, err, location.ErrInvalidCoordinate, "lat=%v lon=%v", c[0], c[1])
	}
	_, err := f.st.Latest(ctx, dev)
	require.ErrorIs(t, err, location.ErrNotFound)

	for _, c := range [][2]float64{{90, 180}, {-90, -180}, {0, 0}} {
		_, err := f.st.Update(ctx, dev, c[0], c[1])
		require.NoError(t, err)
	}
}

func TestLatestNotFound(t *testing.T) {
	f := newFixture()
	_, err := f.st.Latest(context.Background(), f.user(t, identity.Trackable))
	require.ErrorIs(t, err, location.ErrNotFound)
}

func TestPublishOrderPerDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	dev := f.user(t, identity.Trackable)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.st.Update(ctx, dev, float64(i%90), 0)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Len(t, f.pub.recs, 50)
	for i := 1; i < len(f.pub.recs); i++ {
		require.False(t, f.pub.recs[i].UpdatedAt.Before(f.pub.recs[i-1].UpdatedAt))
	}
	latest, err := f.st.Latest(ctx, dev)
	require.NoError(t, err)
	require.Equal(t, f.pub.recs[len(f.pub.recs)-1], latest)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	dev := f.user(t, identity.Trackable)
	_, err := f.st.Update(ctx, dev, 1, 2)
	require.NoError(t, err)
	require.NoError(t, f.st.Remove(ctx, dev))
	_, err = f.st.Latest(ctx, dev)
	require.ErrorIs(t, err, location.ErrNotFound)
}
