package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/identity"
)

type Sessions struct {
	db *pgxpool.Pool
}

func NewSessions(db *pgxpool.Pool) *Sessions {
	return &Sessions{db: db}
}

func (s *Sessions) Put(ctx context.Context, sess auth.Session) error {
	sqlStmt := `INSERT INTO session (session_id,user_id,role,created_at,valid_until) VALUES ($1,$2,$3,now(),$4)`
	_, err := s.db.Exec(ctx, sqlStmt, sess.Token, sess.Principal.ID.String(), string(sess.Principal.Role), sess.ValidUntil)
	return err
}

func (s *Sessions) Get(ctx context.Context, token string) (auth.Session, error) {
	var uid, role string
	sess := auth.Session{Token: token}
	err := s.db.QueryRow(ctx, `SELECT user_id,role,valid_until FROM session WHERE session_id = $1`, token).Scan(&uid, &role, &sess.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Session{}, auth.ErrNoSession
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.Principal = identity.Principal{ID: identity.ID(uid), Role: identity.Role(role)}
	return sess, nil
}

func (s *Sessions) Delete(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session WHERE session_id = $1`, token)
	return err
}

func (s *Sessions) DeleteUser(ctx context.Context, id identity.ID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session WHERE user_id = $1`, id.String())
	return err
}
