package authz

import (
	"context"
	"errors"

	"nuha.dev/locwatch/internal/identity"
)

// Gate answers read and ingest questions from the directory. A denial is a
// plain false; only directory failures come back as errors.
type Gate struct {
	dir identity.Directory
}

func New(dir identity.Directory) *Gate {
	return &Gate{dir: dir}
}

// CanRead reports whether p may see the position of trackable id.
// Admins read everything, watchers read what they follow. The stored role
// wins over a stale principal.
func (g *Gate) CanRead(ctx context.Context, p identity.Principal, id identity.ID) (bool, error) {
	if p.Role != identity.Admin && p.Role != identity.Watcher {
		return false, nil
	}
	u, err := g.current(ctx, p)
	if u == nil || err != nil {
		return false, err
	}
	if u.Role == identity.Admin {
		return true, nil
	}
	return u.IsFollowing(id), nil
}

// IsAdmin reports whether p is an admin that still exists as one.
func (g *Gate) IsAdmin(ctx context.Context, p identity.Principal) (bool, error) {
	if p.Role != identity.Admin {
		return false, nil
	}
	u, err := g.current(ctx, p)
	return u != nil, err
}

// current returns the stored user of p when its role still matches, nil
// when the user is gone or was moved to another role.
func (g *Gate) current(ctx context.Context, p identity.Principal) (*identity.User, error) {
	u, err := g.dir.Get(ctx, p.ID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if u.Role != p.Role {
		return nil, nil
	}
	return u, nil
}

// CanIngest reports whether id is a registered trackable user.
func (g *Gate) CanIngest(ctx context.Context, id identity.ID) (bool, error) {
	u, err := g.dir.Get(ctx, id)
	if errors.Is(err, identity.ErrUserNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return u.Role == identity.Trackable, nil
}
