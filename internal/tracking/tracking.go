package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/authz"
	"nuha.dev/locwatch/internal/broadcast"
	"nuha.dev/locwatch/internal/events"
	"nuha.dev/locwatch/internal/graph"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/sublist"
)

var ErrForbidden = errors.New("forbidden")

// Core is the real-time location distribution core. Callers hand it
// verified principals; it never sees credentials or transport details.
type Core struct {
	dir    identity.Directory
	graph  *graph.Graph
	gate   *authz.Gate
	store  *location.Store
	reg    *sublist.Registry
	router *broadcast.Router
	bus    *events.Bus
	log    log.Logger
}

// New wires the components. bus may be nil.
func New(dir identity.Directory, locations location.Repository, bus *events.Bus) *Core {
	c := &Core{dir: dir, bus: bus}
	c.graph = graph.New(dir)
	c.gate = authz.New(dir)
	c.reg = sublist.New(c.graph)
	c.graph.SetRefresher(c.reg)
	c.router = broadcast.New(c.reg, bus)
	c.store = location.NewStore(locations, c.gate, c.router)
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "tracking").Value()
	return c
}

func (c *Core) UpdateLocation(ctx context.Context, device identity.ID, lat, lon float64) (location.Record, error) {
	return c.store.Update(ctx, device, lat, lon)
}

// CanIngest reports whether device may report locations.
func (c *Core) CanIngest(ctx context.Context, device identity.ID) (bool, error) {
	return c.gate.CanIngest(ctx, device)
}

func (c *Core) GetLatestLocation(ctx context.Context, p identity.Principal, id identity.ID) (location.Record, error) {
	ok, err := c.gate.CanRead(ctx, p, id)
	if err != nil {
		return location.Record{}, err
	}
	if !ok {
		return location.Record{}, ErrForbidden
	}
	return c.store.Latest(ctx, id)
}

func (c *Core) Follow(ctx context.Context, p identity.Principal, id identity.ID) ([]identity.ID, error) {
	set, err := c.graph.Follow(ctx, p.ID, id)
	if err != nil {
		return nil, err
	}
	c.emitFollowing(ctx, p.ID, id, "follow", set)
	return set, nil
}

func (c *Core) Unfollow(ctx context.Context, p identity.Principal, id identity.ID) ([]identity.ID, error) {
	set, err := c.graph.Unfollow(ctx, p.ID, id)
	if err != nil {
		return nil, err
	}
	c.emitFollowing(ctx, p.ID, id, "unfollow", set)
	return set, nil
}

func (c *Core) emitFollowing(ctx context.Context, watcher, target identity.ID, action string, set []identity.ID) {
	following := make([]string, len(set))
	for i, id := range set {
		following[i] = id.String()
	}
	c.bus.Emit(ctx, events.FollowingChanged, events.FollowingChange{Watcher: watcher.String(), Target: target.String(), Action: action, Following: following})
}

func (c *Core) ListFollowing(ctx context.Context, p identity.Principal) ([]identity.ID, error) {
	return c.graph.ListFollowing(ctx, p.ID)
}

// OnConnect attaches a live connection. Watchers receive what they follow,
// admins receive every device, trackables receive nothing.
func (c *Core) OnConnect(ctx context.Context, sub sublist.Subscriber, p identity.Principal) error {
	err := c.reg.Attach(ctx, sub, p)
	if err != nil {
		return fmt.Errorf("attaching %s: %w", sub.ID(), err)
	}
	c.log.Info().Str("conn", string(sub.ID())).Str("user", p.ID.String()).Str("role", string(p.Role)).Msg("connection attached")
	return nil
}

func (c *Core) OnDisconnect(cid sublist.ConnID) {
	c.reg.Detach(cid)
}

// Interest reports what a live connection currently receives.
func (c *Core) Interest(cid sublist.ConnID) ([]identity.ID, bool) {
	return c.reg.Interest(cid)
}

func (c *Core) Me(ctx context.Context, p identity.Principal) (*identity.User, error) {
	return c.dir.Get(ctx, p.ID)
}

func (c *Core) requireAdmin(ctx context.Context, p identity.Principal) error {
	ok, err := c.gate.IsAdmin(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (c *Core) ListUsers(ctx context.Context, p identity.Principal) ([]*identity.User, error) {
	if err := c.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	return c.dir.List(ctx, "")
}

func (c *Core) ListTrackables(ctx context.Context) ([]*identity.User, error) {
	return c.dir.List(ctx, identity.Trackable)
}

func (c *Core) GetUser(ctx context.Context, p identity.Principal, id identity.ID) (*identity.User, error) {
	if err := c.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	return c.dir.Get(ctx, id)
}

// UserUpdate carries the fields an admin may change. Empty fields are kept.
type UserUpdate struct {
	Email string
	Role  identity.Role
}

// UpdateUser applies an admin edit. A role change strips the edges the new
// role cannot hold and closes the user's live connections, which were
// attached under the old role.
func (c *Core) UpdateUser(ctx context.Context, p identity.Principal, id identity.ID, upd UserUpdate) (*identity.User, error) {
	if err := c.requireAdmin(ctx, p); err != nil {
		return nil, err
	}
	if upd.Role != "" {
		if _, err := identity.ParseRole(string(upd.Role)); err != nil {
			return nil, err
		}
	}
	u, err := c.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Email != "" {
		err = c.dir.SetEmail(ctx, id, upd.Email)
		if err != nil {
			return nil, err
		}
	}
	if upd.Role != "" && upd.Role != u.Role {
		affected, err := c.dir.SetRole(ctx, id, upd.Role)
		if err != nil {
			return nil, err
		}
		if u.Role == identity.Trackable {
			err = c.store.Remove(ctx, id)
			if err != nil {
				c.log.Error().Err(err).Str("user", id.String()).Msg("error removing location of former trackable")
			}
		}
		c.closeConnections(id)
		c.graph.Touch(ctx, affected...)
		c.log.Info().Str("user", id.String()).Str("from", string(u.Role)).Str("to", string(upd.Role)).Int("watchers_affected", len(affected)).Msg("role changed")
	}
	c.bus.Emit(ctx, events.UserUpdated, id.String())
	return c.dir.Get(ctx, id)
}

// UpdateProfile lets any user change its own email.
func (c *Core) UpdateProfile(ctx context.Context, p identity.Principal, email string) (*identity.User, error) {
	err := c.dir.SetEmail(ctx, p.ID, email)
	if err != nil {
		return nil, err
	}
	c.bus.Emit(ctx, events.UserUpdated, p.ID.String())
	return c.dir.Get(ctx, p.ID)
}

func (c *Core) closeConnections(id identity.ID) {
	for _, sub := range c.reg.DetachUser(id) {
		if cl, ok := sub.(interface{ Close() error }); ok {
			_ = cl.Close()
		}
	}
}

// DeleteUser removes a user as edge source and edge target, drops its
// location record and its live connections.
func (c *Core) DeleteUser(ctx context.Context, p identity.Principal, id identity.ID) error {
	if err := c.requireAdmin(ctx, p); err != nil {
		return err
	}
	affected, err := c.dir.Delete(ctx, id)
	if err != nil {
		return err
	}
	err = c.store.Remove(ctx, id)
	if err != nil {
		c.log.Error().Err(err).Str("user", id.String()).Msg("error removing location of deleted user")
	}
	c.closeConnections(id)
	c.graph.Touch(ctx, affected...)
	c.log.Info().Str("user", id.String()).Int("watchers_affected", len(affected)).Msg("user deleted")
	c.bus.Emit(ctx, events.UserDeleted, id.String())
	return nil
}

func (c *Core) Stat() (connections int, pushed, dropped uint64) {
	pushed, dropped = c.router.Stat()
	return c.reg.Connections(), pushed, dropped
}
