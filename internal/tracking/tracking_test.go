package tracking_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"nuha.dev/locwatch/internal/events"
	"nuha.dev/locwatch/internal/graph"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/store/impl/memstore"
	"nuha.dev/locwatch/internal/sublist"
	"nuha.dev/locwatch/internal/tracking"
)

type sink struct {
	id     sublist.ConnID
	mu     sync.Mutex
	got    []location.Record
	fail   bool
	closed bool
}

func (s *sink) ID() sublist.ConnID {
	return s.id
}

func (s *sink) Push(rec location.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return sublist.ErrClosed
	}
	s.got = append(s.got, rec)
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *sink) records() []location.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]location.Record(nil), s.got...)
}

type env struct {
	dir  *memstore.Directory
	locs *memstore.Locations
	core *tracking.Core
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{dir: memstore.NewDirectory(), locs: memstore.NewLocations()}
	e.core = tracking.New(e.dir, e.locs, nil)
	return e
}

func (e *env) user(t *testing.T, role identity.Role) identity.Principal {
	t.Helper()
	id := identity.NewID()
	require.NoError(t, e.dir.Create(context.Background(), &identity.User{ID: id, Email: id.String() + "@example.com", Role: role}))
	return identity.Principal{ID: id, Role: role}
}

func TestFollowReceiveUnfollow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)

	conn := &sink{id: "b1"}
	require.NoError(t, e.core.OnConnect(ctx, conn, b))

	set, err := e.core.Follow(ctx, b, a.ID)
	require.NoError(t, err)
	require.Equal(t, []identity.ID{a.ID}, set)

	_, err = e.core.UpdateLocation(ctx, a.ID, 10, 20)
	require.NoError(t, err)
	got := conn.records()
	require.Len(t, got, 1)
	require.Equal(t, a.ID, got[0].TrackableID)
	require.Equal(t, 10.0, got[0].Latitude)
	require.Equal(t, 20.0, got[0].Longitude)

	set, err = e.core.Unfollow(ctx, b, a.ID)
	require.NoError(t, err)
	require.Empty(t, set)

	_, err = e.core.UpdateLocation(ctx, a.ID, 11, 21)
	require.NoError(t, err)
	require.Len(t, conn.records(), 1)

	rec, err := e.core.GetLatestLocation(ctx, e.user(t, identity.Admin), a.ID)
	require.NoError(t, err)
	require.Equal(t, 11.0, rec.Latitude)
}

func TestGetLatestLocationAccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	other := e.user(t, identity.Watcher)

	_, err := e.core.GetLatestLocation(ctx, b, a.ID)
	require.ErrorIs(t, err, tracking.ErrForbidden)

	_, err = e.core.Follow(ctx, b, a.ID)
	require.NoError(t, err)
	_, err = e.core.GetLatestLocation(ctx, b, a.ID)
	require.ErrorIs(t, err, location.ErrNotFound)

	_, err = e.core.UpdateLocation(ctx, a.ID, 1, 2)
	require.NoError(t, err)
	rec, err := e.core.GetLatestLocation(ctx, b, a.ID)
	require.NoError(t, err)
	require.Equal(t, 2.0, rec.Longitude)

	_, err = e.core.GetLatestLocation(ctx, other, a.ID)
	require.ErrorIs(t, err, tracking.ErrForbidden)
	// a trackable cannot read itself through the watcher path
	_, err = e.core.GetLatestLocation(ctx, a, a.ID)
	require.ErrorIs(t, err, tracking.ErrForbidden)
}

func TestFollowErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	c := e.user(t, identity.Watcher)

	_, err := e.core.Follow(ctx, b, a.ID)
	require.NoError(t, err)
	_, err = e.core.Follow(ctx, b, a.ID)
	require.ErrorIs(t, err, graph.ErrAlreadyFollowing)
	_, err = e.core.Follow(ctx, b, c.ID)
	require.ErrorIs(t, err, graph.ErrInvalidRole)
	_, err = e.core.Follow(ctx, b, identity.NewID())
	require.ErrorIs(t, err, identity.ErrUserNotFound)
	_, err = e.core.Unfollow(ctx, c, a.ID)
	require.ErrorIs(t, err, graph.ErrNotFollowing)
}

func TestUpdateLocationRejectsNonTrackable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.user(t, identity.Watcher)
	_, err := e.core.UpdateLocation(ctx, b.ID, 1, 1)
	require.ErrorIs(t, err, location.ErrNotTrackable)

	a := e.user(t, identity.Trackable)
	_, err = e.core.UpdateLocation(ctx, a.ID, 91, 0)
	require.ErrorIs(t, err, location.ErrInvalidCoordinate)
	require.Equal(t, 0, e.locs.Len())
}

func TestFanOutIsolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	w1 := e.user(t, identity.Watcher)
	w2 := e.user(t, identity.Watcher)
	w3 := e.user(t, identity.Watcher)

	broken := &sink{id: "w1", fail: true}
	ok := &sink{id: "w2"}
	idle := &sink{id: "w3"}
	require.NoError(t, e.core.OnConnect(ctx, broken, w1))
	require.NoError(t, e.core.OnConnect(ctx, ok, w2))
	require.NoError(t, e.core.OnConnect(ctx, idle, w3))
	for _, w := range []identity.Principal{w1, w2} {
		_, err := e.core.Follow(ctx, w, a.ID)
		require.NoError(t, err)
	}

	_, err := e.core.UpdateLocation(ctx, a.ID, 5, 5)
	require.NoError(t, err)
	require.Len(t, ok.records(), 1)
	require.Empty(t, idle.records())

	conns, pushed, dropped := e.core.Stat()
	require.Equal(t, 2, conns)
	require.Equal(t, uint64(1), pushed)
	require.Equal(t, uint64(1), dropped)
}

func TestAdminConnectionReceivesEverything(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	adm := e.user(t, identity.Admin)
	conn := &sink{id: "adm"}
	require.NoError(t, e.core.OnConnect(ctx, conn, adm))

	_, err := e.core.UpdateLocation(ctx, a.ID, 3, 4)
	require.NoError(t, err)
	require.Len(t, conn.records(), 1)

	_, all := e.core.Interest("adm")
	require.True(t, all)
	e.core.OnDisconnect("adm")
	_, err = e.core.UpdateLocation(ctx, a.ID, 3, 5)
	require.NoError(t, err)
	require.Len(t, conn.records(), 1)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	adm := e.user(t, identity.Admin)

	bconn := &sink{id: "b"}
	aconn := &sink{id: "a"}
	require.NoError(t, e.core.OnConnect(ctx, bconn, b))
	require.NoError(t, e.core.OnConnect(ctx, aconn, a))
	_, err := e.core.Follow(ctx, b, a.ID)
	require.NoError(t, err)
	_, err = e.core.UpdateLocation(ctx, a.ID, 1, 1)
	require.NoError(t, err)

	require.ErrorIs(t, e.core.DeleteUser(ctx, b, a.ID), tracking.ErrForbidden)
	require.NoError(t, e.core.DeleteUser(ctx, adm, a.ID))

	set, err := e.core.ListFollowing(ctx, b)
	require.NoError(t, err)
	require.Empty(t, set)
	ids, _ := e.core.Interest("b")
	require.Empty(t, ids)
	require.True(t, aconn.closed)
	require.Equal(t, 0, e.locs.Len())

	err = e.core.DeleteUser(ctx, adm, a.ID)
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	adm := e.user(t, identity.Admin)

	_, err := e.core.ListUsers(ctx, b)
	require.ErrorIs(t, err, tracking.ErrForbidden)
	users, err := e.core.ListUsers(ctx, adm)
	require.NoError(t, err)
	require.Len(t, users, 3)

	trackables, err := e.core.ListTrackables(ctx)
	require.NoError(t, err)
	require.Len(t, trackables, 1)

	me, err := e.core.Me(ctx, b)
	require.NoError(t, err)
	require.Equal(t, identity.Watcher, me.Role)
}

func TestEventsEmitted(t *testing.T) {
	ctx := context.Background()
	bus, err := events.NewBus(1)
	require.NoError(t, err)
	dir := memstore.NewDirectory()
	core := tracking.New(dir, memstore.NewLocations(), bus)

	var mu sync.Mutex
	seen := map[string]int{}
	bus.Handle("test", ".*", func(ctx context.Context, ev events.Event) {
		mu.Lock()
		seen[ev.Topic]++
		mu.Unlock()
	})

	a := identity.NewID()
	b := identity.NewID()
	require.NoError(t, dir.Create(ctx, &identity.User{ID: a, Email: "a@example.com", Role: identity.Trackable}))
	require.NoError(t, dir.Create(ctx, &identity.User{ID: b, Email: "b@example.com", Role: identity.Watcher}))
	_, err = core.Follow(ctx, identity.Principal{ID: b, Role: identity.Watcher}, a)
	require.NoError(t, err)
	_, err = core.UpdateLocation(ctx, a, 1, 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, seen[events.FollowingChanged])
	require.Equal(t, 1, seen[events.LocationChanged])
}

func TestConcurrentFollowAndUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		w := e.user(t, identity.Watcher)
		conn := &sink{id: sublist.ConnID(w.ID)}
		require.NoError(t, e.core.OnConnect(ctx, conn, w))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.core.Follow(ctx, w, a.ID)
			if err != nil && !errors.Is(err, graph.ErrAlreadyFollowing) {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = e.core.UpdateLocation(ctx, a.ID, 1, 1)
		}()
	}
	wg.Wait()
	conns, _, _ := e.core.Stat()
	require.Equal(t, 20, conns)
}

func TestFailedConnectIsNotRegistered(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	ghost := identity.Principal{ID: identity.NewID(), Role: identity.Watcher}

	conn := &sink{id: "ghost"}
	require.ErrorIs(t, e.core.OnConnect(ctx, conn, ghost), identity.ErrUserNotFound)
	conns, _, _ := e.core.Stat()
	require.Equal(t, 0, conns)

	_, err := e.core.UpdateLocation(ctx, a.ID, 1, 1)
	require.NoError(t, err)
	require.Empty(t, conn.records())
}

func TestDeletedAdminCannotAttach(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	root := e.user(t, identity.Admin)
	gone := e.user(t, identity.Admin)
	require.NoError(t, e.core.DeleteUser(ctx, root, gone.ID))

	conn := &sink{id: "gone"}
	require.Error(t, e.core.OnConnect(ctx, conn, gone))
	_, all := e.core.Interest("gone")
	require.False(t, all)

	_, err := e.core.UpdateLocation(ctx, a.ID, 1, 1)
	require.NoError(t, err)
	require.Empty(t, conn.records())

	_, err = e.core.GetLatestLocation(ctx, gone, a.ID)
	require.ErrorIs(t, err, tracking.ErrForbidden)
	_, err = e.core.ListUsers(ctx, gone)
	require.ErrorIs(t, err, tracking.ErrForbidden)
}

func TestGetUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	adm := e.user(t, identity.Admin)

	u, err := e.core.GetUser(ctx, adm, a.ID)
	require.NoError(t, err)
	require.Equal(t, identity.Trackable, u.Role)
	_, err = e.core.GetUser(ctx, b, a.ID)
	require.ErrorIs(t, err, tracking.ErrForbidden)
	_, err = e.core.GetUser(ctx, adm, identity.NewID())
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestRoleChangeCascades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	other := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	adm := e.user(t, identity.Admin)

	bconn := &sink{id: "b"}
	aconn := &sink{id: "a"}
	require.NoError(t, e.core.OnConnect(ctx, bconn, b))
	require.NoError(t, e.core.OnConnect(ctx, aconn, a))
	_, err := e.core.Follow(ctx, b, a.ID)
	require.NoError(t, err)
	_, err = e.core.Follow(ctx, b, other.ID)
	require.NoError(t, err)
	_, err = e.core.UpdateLocation(ctx, a.ID, 1, 1)
	require.NoError(t, err)

	_, err = e.core.UpdateUser(ctx, b, a.ID, tracking.UserUpdate{Role: identity.Watcher})
	require.ErrorIs(t, err, tracking.ErrForbidden)
	_, err = e.core.UpdateUser(ctx, adm, a.ID, tracking.UserUpdate{Role: "superuser"})
	require.ErrorIs(t, err, identity.ErrInvalidRole)

	u, err := e.core.UpdateUser(ctx, adm, a.ID, tracking.UserUpdate{Role: identity.Watcher})
	require.NoError(t, err)
	require.Equal(t, identity.Watcher, u.Role)

	// edges into a former trackable are gone, live interest follows
	set, err := e.core.ListFollowing(ctx, b)
	require.NoError(t, err)
	require.Equal(t, []identity.ID{other.ID}, set)
	ids, _ := e.core.Interest("b")
	require.Equal(t, []identity.ID{other.ID}, ids)
	require.True(t, aconn.closed)
	require.Equal(t, 0, e.locs.Len())

	_, err = e.core.UpdateLocation(ctx, a.ID, 2, 2)
	require.ErrorIs(t, err, location.ErrNotTrackable)
	_, err = e.core.Follow(ctx, b, a.ID)
	require.ErrorIs(t, err, graph.ErrInvalidRole)

	// a former watcher loses its following set and its connections
	_, err = e.core.UpdateUser(ctx, adm, b.ID, tracking.UserUpdate{Role: identity.Trackable})
	require.NoError(t, err)
	require.True(t, bconn.closed)
	stale := &sink{id: "b2"}
	require.ErrorIs(t, e.core.OnConnect(ctx, stale, b), sublist.ErrRoleChanged)
	me, err := e.core.Me(ctx, identity.Principal{ID: b.ID, Role: identity.Trackable})
	require.NoError(t, err)
	require.Empty(t, me.Following)
}

func TestUpdateEmail(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.user(t, identity.Trackable)
	b := e.user(t, identity.Watcher)
	adm := e.user(t, identity.Admin)

	u, err := e.core.UpdateProfile(ctx, b, "New@Example.com")
	require.NoError(t, err)
	require.Equal(t, "new@example.com", u.Email)
	_, err = e.core.UpdateProfile(ctx, a, "new@example.com")
	require.ErrorIs(t, err, identity.ErrEmailTaken)

	u, err = e.core.UpdateUser(ctx, adm, a.ID, tracking.UserUpdate{Email: "device@example.com"})
	require.NoError(t, err)
	require.Equal(t, "device@example.com", u.Email)
	require.Equal(t, identity.Trackable, u.Role)
}
