package graph_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"nuha.dev/locwatch/internal/graph"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/store/impl/memstore"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls map[identity.ID]int
}

func (c *countingRefresher) Refresh(ctx context.Context, watcher identity.ID) error {
	c.mu.Lock()
	c.calls[watcher]++
	c.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*graph.Graph, *memstore.Directory, *countingRefresher) {
	t.Helper()
	dir := memstore.NewDirectory()
	g := graph.New(dir)
	r := &countingRefresher{calls: make(map[identity.ID]int)}
	g.SetRefresher(r)
	return g, dir, r
}

func addUser(t *testing.T, dir identity.Directory, role identity.Role) identity.ID {
	t.Helper()
	id := identity.NewID()
	require.NoError(t, dir.Create(context.Background(), &identity.User{ID: id, Email: id.String() + "@example.com", Role: role}))
	return id
}

func TestFollowUnfollow(t *testing.T) {
	ctx := context.Background()
	g, dir, r := setup(t)
	w := addUser(t, dir, identity.Watcher)
	a := addUser(t, dir, identity.Trackable)

	set, err := g.Follow(ctx, w, a)
	require.NoError(t, err)
	require.Equal(t, []identity.ID{a}, set)
	require.Equal(t, 1, r.calls[w])

	list, err := g.ListFollowing(ctx, w)
	require.NoError(t, err)
	require.Contains(t, list, a)

	set, err = g.Unfollow(ctx, w, a)
	require.NoError(t, err)
	require.Empty(t, set)
	require.Equal(t, 2, r.calls[w])
}

func TestFollowTwiceIsAlreadyFollowing(t *testing.T) {
	ctx := context.Background()
	g, dir, r := setup(t)
	w := addUser(t, dir, identity.Watcher)
	a := addUser(t, dir, identity.Trackable)

	first, err := g.Follow(ctx, w, a)
	require.NoError(t, err)
	_, err = g.Follow(ctx, w, a)
	require.ErrorIs(t, err, graph.ErrAlreadyFollowing)

	after, err := g.ListFollowing(ctx, w)
	require.NoError(t, err)
	require.Equal(t, first, after)
	require.Equal(t, 1, r.calls[w], "failed follow must not refresh")
}

func TestUnfollowAbsent(t *testing.T) {
	g, dir, _ := setup(t)
	w := addUser(t, dir, identity.Watcher)
	a := addUser(t, dir, identity.Trackable)
	_, err := g.Unfollow(context.Background(), w, a)
	require.ErrorIs(t, err, graph.ErrNotFollowing)
}

func TestFollowRoleChecks(t *testing.T) {
	ctx := context.Background()
	g, dir, _ := setup(t)
	w := addUser(t, dir, identity.Watcher)
	other := addUser(t, dir, identity.Watcher)
	admin := addUser(t, dir, identity.Admin)
	dev := addUser(t, dir, identity.Trackable)

	_, err := g.Follow(ctx, w, other)
	require.ErrorIs(t, err, graph.ErrInvalidRole)
	_, err = g.Follow(ctx, w, admin)
	require.ErrorIs(t, err, graph.ErrInvalidRole)
	_, err = g.Follow(ctx, admin, dev)
	require.ErrorIs(t, err, graph.ErrInvalidRole)
	_, err = g.Follow(ctx, w, identity.NewID())
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestConcurrentFollowSameWatcher(t *testing.T) {
	ctx := context.Background()
	g, dir, _ := setup(t)
	w := addUser(t, dir, identity.Watcher)
	a := addUser(t, dir, identity.Trackable)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Follow(ctx, w, a); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	list, err := g.ListFollowing(ctx, w)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

// demotingDir changes the target's role right before the edge is written,
// the way a concurrent admin edit can.
type demotingDir struct {
	*memstore.Directory
}

func (d demotingDir) AddFollowing(ctx context.Context, watcher, target identity.ID) (bool, error) {
	if _, err := d.Directory.SetRole(ctx, target, identity.Watcher); err != nil {
		return false, err
	}
	return d.Directory.AddFollowing(ctx, watcher, target)
}

func TestFollowRollsBackWhenTargetChangesRole(t *testing.T) {
	ctx := context.Background()
	dir := memstore.NewDirectory()
	g := graph.New(demotingDir{dir})
	w := addUser(t, dir, identity.Watcher)
	a := addUser(t, dir, identity.Trackable)

	_, err := g.Follow(ctx, w, a)
	require.ErrorIs(t, err, graph.ErrInvalidRole)
	list, err := g.ListFollowing(ctx, w)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRoleOf(t *testing.T) {
	ctx := context.Background()
	g, dir, _ := setup(t)
	a := addUser(t, dir, identity.Trackable)
	role, err := g.RoleOf(ctx, a)
	require.NoError(t, err)
	require.Equal(t, identity.Trackable, role)
	_, err = g.RoleOf(ctx, identity.NewID())
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}
