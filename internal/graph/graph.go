package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/util/keylock"
)

var (
	ErrInvalidRole      = errors.New("invalid role for following edge")
	ErrAlreadyFollowing = errors.New("already following")
	ErrNotFollowing     = errors.New("not following")
)

// Refresher is told about every change to a watcher's following set while
// the watcher is still locked.
type Refresher interface {
	Refresh(ctx context.Context, watcher identity.ID) error
}

// Graph maintains watcher -> trackable edges on top of the directory.
// Mutations for one watcher are serialized; different watchers never
// contend.
type Graph struct {
	dir       identity.Directory
	locks     *keylock.Map
	refresher Refresher
	log       log.Logger
}

func New(dir identity.Directory) *Graph {
	g := &Graph{dir: dir, locks: keylock.New()}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "graph").Value()
	return g
}

// SetRefresher wires the live subscription index. It must be called before
// the graph is shared.
func (g *Graph) SetRefresher(r Refresher) {
	g.refresher = r
}

func (g *Graph) Follow(ctx context.Context, watcher, target identity.ID) ([]identity.ID, error) {
	unlock := g.locks.Lock(watcher.String())
	defer unlock()

	if err := g.checkEdge(ctx, watcher, target); err != nil {
		return nil, err
	}
	added, err := g.dir.AddFollowing(ctx, watcher, target)
	if err != nil {
		return nil, fmt.Errorf("adding edge %s -> %s: %w", watcher, target, err)
	}
	if !added {
		return nil, ErrAlreadyFollowing
	}
	// the target may have changed role or gone away since checkEdge
	t, err := g.dir.Get(ctx, target)
	if err != nil || t.Role != identity.Trackable {
		_, rerr := g.dir.RemoveFollowing(ctx, watcher, target)
		if rerr != nil {
			g.log.Error().Err(rerr).Str("watcher", watcher.String()).Str("target", target.String()).Msg("error rolling back edge")
		}
		if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
			return nil, err
		}
		return nil, ErrInvalidRole
	}
	g.log.Debug().Str("watcher", watcher.String()).Str("target", target.String()).Msg("follow")
	return g.changed(ctx, watcher)
}

func (g *Graph) Unfollow(ctx context.Context, watcher, target identity.ID) ([]identity.ID, error) {
	unlock := g.locks.Lock(watcher.String())
	defer unlock()

	removed, err := g.dir.RemoveFollowing(ctx, watcher, target)
	if err != nil {
		return nil, fmt.Errorf("removing edge %s -> %s: %w", watcher, target, err)
	}
	if !removed {
		return nil, ErrNotFollowing
	}
	g.log.Debug().Str("watcher", watcher.String()).Str("target", target.String()).Msg("unfollow")
	return g.changed(ctx, watcher)
}

func (g *Graph) ListFollowing(ctx context.Context, watcher identity.ID) ([]identity.ID, error) {
	u, err := g.dir.Get(ctx, watcher)
	if err != nil {
		return nil, err
	}
	return u.Following, nil
}

// RoleOf returns the stored role of a user.
func (g *Graph) RoleOf(ctx context.Context, id identity.ID) (identity.Role, error) {
	u, err := g.dir.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

// Touch recomputes live interest for watchers whose set was changed
// outside Follow/Unfollow, e.g. by a cascading user delete.
func (g *Graph) Touch(ctx context.Context, watchers ...identity.ID) {
	for _, w := range watchers {
		unlock := g.locks.Lock(w.String())
		g.refresh(ctx, w)
		unlock()
	}
}

func (g *Graph) checkEdge(ctx context.Context, watcher, target identity.ID) error {
	w, err := g.dir.Get(ctx, watcher)
	if err != nil {
		return err
	}
	if w.Role != identity.Watcher {
		return ErrInvalidRole
	}
	t, err := g.dir.Get(ctx, target)
	if err != nil {
		return err
	}
	if t.Role != identity.Trackable {
		return ErrInvalidRole
	}
	return nil
}

func (g *Graph) changed(ctx context.Context, watcher identity.ID) ([]identity.ID, error) {
	g.refresh(ctx, watcher)
	return g.ListFollowing(ctx, watcher)
}

func (g *Graph) refresh(ctx context.Context, watcher identity.ID) {
	if g.refresher == nil {
		return
	}
	err := g.refresher.Refresh(ctx, watcher)
	if err != nil {
		// the registry fails closed, the edge itself is persisted
		g.log.Error().Err(err).Str("watcher", watcher.String()).Msg("error refreshing live subscriptions")
	}
}
