package memstore

import (
	"context"
	"strings"
	"sync"

	"nuha.dev/locwatch/internal/identity"
)

type user struct {
	identity.User
	following map[identity.ID]struct{}
}

// Directory is an in-memory identity.Directory.
type Directory struct {
	mu      sync.RWMutex
	list    map[identity.ID]*user
	byEmail map[string]identity.ID
}

func NewDirectory() *Directory {
	return &Directory{list: make(map[identity.ID]*user), byEmail: make(map[string]identity.ID)}
}

func (d *Directory) Create(ctx context.Context, u *identity.User) error {
	email := strings.ToLower(u.Email)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byEmail[email]; ok {
		return identity.ErrEmailTaken
	}
	n := &user{User: *u, following: make(map[identity.ID]struct{})}
	n.Email = email
	for _, f := range u.Following {
		n.following[f] = struct{}{}
	}
	n.Following = nil
	d.list[u.ID] = n
	d.byEmail[email] = u.ID
	return nil
}

func (d *Directory) snapshot(u *user) *identity.User {
	c := u.User
	c.Following = make([]identity.ID, 0, len(u.following))
	for f := range u.following {
		c.Following = append(c.Following, f)
	}
	identity.SortIDs(c.Following)
	return &c
}

func (d *Directory) Get(ctx context.Context, id identity.ID) (*identity.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.list[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return d.snapshot(u), nil
}

func (d *Directory) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return d.snapshot(d.list[id]), nil
}

func (d *Directory) List(ctx context.Context, role identity.Role) ([]*identity.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]*identity.User, 0, len(d.list))
	for _, u := range d.list {
		if role == "" || u.Role == role {
			users = append(users, d.snapshot(u))
		}
	}
	return users, nil
}

func (d *Directory) AddFollowing(ctx context.Context, watcher, target identity.ID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[watcher]
	if !ok {
		return false, identity.ErrUserNotFound
	}
	if _, ok := u.following[target]; ok {
		return false, nil
	}
	u.following[target] = struct{}{}
	return true, nil
}

func (d *Directory) RemoveFollowing(ctx context.Context, watcher, target identity.ID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[watcher]
	if !ok {
		return false, identity.ErrUserNotFound
	}
	if _, ok := u.following[target]; !ok {
		return false, nil
	}
	delete(u.following, target)
	return true, nil
}

func (d *Directory) SetEmail(ctx context.Context, id identity.ID, email string) error {
	email = strings.ToLower(email)
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	if owner, ok := d.byEmail[email]; ok && owner != id {
		return identity.ErrEmailTaken
	}
	delete(d.byEmail, u.Email)
	u.Email = email
	d.byEmail[email] = id
	return nil
}

func (d *Directory) SetPassword(ctx context.Context, id identity.ID, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (d *Directory) SetRole(ctx context.Context, id identity.ID, role identity.Role) ([]identity.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	affected := make([]identity.ID, 0)
	if u.Role == role {
		return affected, nil
	}
	if u.Role == identity.Watcher && len(u.following) > 0 {
		u.following = make(map[identity.ID]struct{})
		affected = append(affected, id)
	}
	if u.Role == identity.Trackable {
		for wid, w := range d.list {
			if _, ok := w.following[id]; ok {
				delete(w.following, id)
				affected = append(affected, wid)
			}
		}
	}
	u.Role = role
	return identity.SortIDs(affected), nil
}

func (d *Directory) Delete(ctx context.Context, id identity.ID) ([]identity.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.list[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	delete(d.list, id)
	delete(d.byEmail, u.Email)
	affected := make([]identity.ID, 0)
	for wid, w := range d.list {
		if _, ok := w.following[id]; ok {
			delete(w.following, id)
			affected = append(affected, wid)
		}
	}
	return identity.SortIDs(affected), nil
}
