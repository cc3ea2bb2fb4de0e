package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSession          = errors.New("session not found or expired")
	ErrRoleNotAllowed     = errors.New("role cannot self-register")
)

type Session struct {
	Token      string
	Principal  identity.Principal
	ValidUntil time.Time
}

type SessionStore interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) error
	DeleteUser(ctx context.Context, id identity.ID) error
}

type Config struct {
	SessionLength time.Duration
}

// Service issues and resolves sessions. It is the authentication
// collaborator that hands verified principals to the tracking core.
type Service struct {
	dir      identity.Directory
	sessions SessionStore
	config   Config
	log      log.Logger
	now      func() time.Time
}

func New(dir identity.Directory, sessions SessionStore, config Config) *Service {
	s := &Service{dir: dir, sessions: sessions, config: config}
	if s.config.SessionLength <= 0 {
		s.config.SessionLength = 24 * time.Hour
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "auth").Value()
	s.now = time.Now
	return s
}

// Register creates a watcher or trackable account. Admins only come from
// Bootstrap.
func (s *Service) Register(ctx context.Context, email, password string, role identity.Role) (*identity.User, error) {
	if role != identity.Watcher && role != identity.Trackable {
		return nil, ErrRoleNotAllowed
	}
	return s.create(ctx, email, password, role)
}

func (s *Service) create(ctx context.Context, email, password string, role identity.Role) (*identity.User, error) {
	hash, err := util.CryptPwd(password)
	if err != nil {
		return nil, err
	}
	u := &identity.User{
		ID:           identity.NewID(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now().UTC(),
	}
	err = s.dir.Create(ctx, u)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("user", u.ID.String()).Str("role", string(role)).Msg("user registered")
	return u, nil
}

// Bootstrap makes sure an admin account exists for email.
func (s *Service) Bootstrap(ctx context.Context, email, password string) error {
	_, err := s.dir.GetByEmail(ctx, email)
	if err == nil {
		return nil
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return err
	}
	_, err = s.create(ctx, email, password, identity.Admin)
	return err
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.dir.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, identity.ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	} else if err != nil {
		return Session{}, err
	}
	if !util.CheckPwd(u.PasswordHash, password) {
		return Session{}, ErrInvalidCredentials
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], crc32.ChecksumIEEE([]byte(u.Email)))
	sess := Session{
		Token:      util.GenRandomString(prefix[:], 24),
		Principal:  u.Principal(),
		ValidUntil: s.now().Add(s.config.SessionLength),
	}
	err = s.sessions.Put(ctx, sess)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Service) Resolve(ctx context.Context, token string) (identity.Principal, error) {
	if token == "" {
		return identity.Principal{}, ErrNoSession
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return identity.Principal{}, err
	}
	if s.now().After(sess.ValidUntil) {
		_ = s.sessions.Delete(ctx, token)
		return identity.Principal{}, ErrNoSession
	}
	return sess.Principal, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// ChangePassword checks the current password, stores the new hash and
// drops every session of the user, the caller's included.
func (s *Service) ChangePassword(ctx context.Context, id identity.ID, current, next string) error {
	u, err := s.dir.Get(ctx, id)
	if err != nil {
		return err
	}
	if !util.CheckPwd(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := util.CryptPwd(next)
	if err != nil {
		return err
	}
	err = s.dir.SetPassword(ctx, id, hash)
	if err != nil {
		return err
	}
	err = s.sessions.DeleteUser(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info().Str("user", id.String()).Msg("password changed")
	return nil
}

// Revoke drops every session of a user, used when the user is deleted or
// changes role.
func (s *Service) Revoke(ctx context.Context, id identity.ID) error {
	return s.sessions.DeleteUser(ctx, id)
}
