package sublist

import (
	"context"
	"errors"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
)

var ErrRoleChanged = errors.New("stored role differs from the connection's principal")

// Source is the persisted state interest is derived from.
type Source interface {
	ListFollowing(ctx context.Context, watcher identity.ID) ([]identity.ID, error)
	RoleOf(ctx context.Context, id identity.ID) (identity.Role, error)
}

type conn struct {
	// held across recompute and apply, serializes Attach/Refresh per connection
	mu        sync.Mutex
	sub       Subscriber
	principal identity.Principal
	devices   map[identity.ID]struct{}
	all       bool
	detached  bool
}

// Registry maps trackable ids to the live connections interested in them.
// Interest is always recomputed from the following graph, never patched.
type Registry struct {
	mu        sync.RWMutex
	byDevice  map[identity.ID]map[ConnID]Subscriber
	byConn    map[ConnID]*conn
	byWatcher map[identity.ID]map[ConnID]struct{}
	all       map[ConnID]Subscriber
	src       Source
	log       log.Logger
}

func New(src Source) *Registry {
	r := &Registry{src: src}
	r.byDevice = make(map[identity.ID]map[ConnID]Subscriber)
	r.byConn = make(map[ConnID]*conn)
	r.byWatcher = make(map[identity.ID]map[ConnID]struct{})
	r.all = make(map[ConnID]Subscriber)
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "sublist").Value()
	return r
}

// Attach registers sub for p and derives its interest set. Calling it again
// for the same connection recomputes the set. A new connection whose set
// cannot be derived is not kept.
func (r *Registry) Attach(ctx context.Context, sub Subscriber, p identity.Principal) error {
	r.mu.Lock()
	c, ok := r.byConn[sub.ID()]
	created := !ok
	if !ok {
		c = &conn{sub: sub, principal: p, devices: make(map[identity.ID]struct{})}
		r.byConn[sub.ID()] = c
		w, ok := r.byWatcher[p.ID]
		if !ok {
			w = make(map[ConnID]struct{})
			r.byWatcher[p.ID] = w
		}
		w[sub.ID()] = struct{}{}
	}
	r.mu.Unlock()
	err := r.recompute(ctx, c)
	if err != nil && created {
		r.Detach(sub.ID())
	}
	return err
}

// Refresh recomputes every live connection that belongs to watcher.
func (r *Registry) Refresh(ctx context.Context, watcher identity.ID) error {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.byWatcher[watcher]))
	for cid := range r.byWatcher[watcher] {
		conns = append(conns, r.byConn[cid])
	}
	r.mu.RUnlock()

	var first error
	for _, c := range conns {
		err := r.recompute(ctx, c)
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) recompute(ctx context.Context, c *conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var want []identity.ID
	all := false
	// fail closed: a role or set that cannot be confirmed receives nothing
	role, err := r.src.RoleOf(ctx, c.principal.ID)
	if err == nil && role != c.principal.Role {
		err = ErrRoleChanged
	}
	if err == nil {
		switch role {
		case identity.Admin:
			all = true
		case identity.Watcher:
			want, err = r.src.ListFollowing(ctx, c.principal.ID)
			if err != nil {
				want = nil
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.detached {
		return err
	}
	cid := c.sub.ID()
	for id := range c.devices {
		r.removeDevice(id, cid)
	}
	c.devices = make(map[identity.ID]struct{}, len(want))
	for _, id := range want {
		c.devices[id] = struct{}{}
		subs, ok := r.byDevice[id]
		if !ok {
			subs = make(map[ConnID]Subscriber)
			r.byDevice[id] = subs
		}
		subs[cid] = c.sub
	}
	c.all = all
	if all {
		r.all[cid] = c.sub
	} else {
		delete(r.all, cid)
	}
	r.log.Trace().Str("conn", string(cid)).Str("user", c.principal.ID.String()).Int("devices", len(want)).Bool("all", all).Msg("interest recomputed")
	return err
}

func (r *Registry) removeDevice(id identity.ID, cid ConnID) {
	subs, ok := r.byDevice[id]
	if !ok {
		return
	}
	delete(subs, cid)
	if len(subs) == 0 {
		delete(r.byDevice, id)
	}
}

// Detach drops every interest entry of the connection. Safe to call twice.
func (r *Registry) Detach(cid ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[cid]
	if !ok {
		return
	}
	c.detached = true
	for id := range c.devices {
		r.removeDevice(id, cid)
	}
	delete(r.all, cid)
	delete(r.byConn, cid)
	if w, ok := r.byWatcher[c.principal.ID]; ok {
		delete(w, cid)
		if len(w) == 0 {
			delete(r.byWatcher, c.principal.ID)
		}
	}
	r.log.Trace().Str("conn", string(cid)).Msg("detached")
}

// DetachUser drops every connection of a user and returns them.
func (r *Registry) DetachUser(id identity.ID) []Subscriber {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.byWatcher[id]))
	for cid := range r.byWatcher[id] {
		subs = append(subs, r.byConn[cid].sub)
	}
	r.mu.RUnlock()
	for _, s := range subs {
		r.Detach(s.ID())
	}
	return subs
}

// SubscribersOf returns a snapshot of the connections interested in id,
// wildcard subscribers included. The snapshot is taken under one read
// lock, so it never mixes states from before and after a mutation.
func (r *Registry) SubscribersOf(id identity.ID) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]Subscriber, 0, len(r.byDevice[id])+len(r.all))
	for _, s := range r.byDevice[id] {
		subs = append(subs, s)
	}
	for cid, s := range r.all {
		if _, dup := r.byDevice[id][cid]; !dup {
			subs = append(subs, s)
		}
	}
	return subs
}

// Interest returns the trackable ids a connection currently receives.
func (r *Registry) Interest(cid ConnID) (ids []identity.ID, all bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[cid]
	if !ok {
		return nil, false
	}
	ids = make([]identity.ID, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return identity.SortIDs(ids), c.all
}

func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
