package identity

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidID    = errors.New("invalid identifier")
	ErrInvalidRole  = errors.New("invalid role")
)

// ID is the canonical user identifier. Every layer above the storage
// adapters works with this type only.
type ID string

func NewID() ID {
	return ID(uuid.New().String())
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidID
	}
	return ID(u.String()), nil
}

func (id ID) String() string {
	return string(id)
}

type Role string

const (
	Admin     Role = "admin"
	Watcher   Role = "watcher"
	Trackable Role = "trackable"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Admin, Watcher, Trackable:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

// Principal is an already authenticated caller.
type Principal struct {
	ID   ID
	Role Role
}

type User struct {
	ID           ID
	Email        string
	PasswordHash string
	Role         Role
	Following    []ID
	CreatedAt    time.Time
}

func (u *User) Principal() Principal {
	return Principal{ID: u.ID, Role: u.Role}
}

func (u *User) IsFollowing(id ID) bool {
	for _, f := range u.Following {
		if f == id {
			return true
		}
	}
	return false
}

// SortIDs sorts in place and returns the slice, so adapters return
// following sets in a stable order.
func SortIDs(ids []ID) []ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Directory holds user records and their following sets. Implementations
// must make AddFollowing and RemoveFollowing atomic set operations.
type Directory interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id ID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// List returns all users with the given role, or every user when role is empty.
	List(ctx context.Context, role Role) ([]*User, error)
	AddFollowing(ctx context.Context, watcher, target ID) (bool, error)
	RemoveFollowing(ctx context.Context, watcher, target ID) (bool, error)
	// Delete removes the user and every following edge that targets it.
	// It returns the watchers whose following set lost that edge.
	Delete(ctx context.Context, id ID) ([]ID, error)
	SetEmail(ctx context.Context, id ID, email string) error
	SetPassword(ctx context.Context, id ID, hash string) error
	// SetRole changes the role and drops the edges the new role cannot
	// hold: a former watcher loses its following set, a former trackable
	// is removed from every following set. It returns the watchers whose
	// set changed.
	SetRole(ctx context.Context, id ID, role Role) ([]ID, error)
}
