package usermgmt

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/tracking"
	"nuha.dev/locwatch/internal/webapp/common"
)

// SessionRevoker drops every session of a user.
type SessionRevoker interface {
	Revoke(ctx context.Context, id identity.ID) error
}

type UserMgmt struct {
	core     *tracking.Core
	sessions SessionRevoker
	log      log.Logger
}

func NewUserMgmtApi(core *tracking.Core, sessions SessionRevoker) *UserMgmt {
	u := &UserMgmt{core: core, sessions: sessions}
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "usermgmt-api").Value()
	return u
}

type UserModel struct {
	UserId    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Following []string  `json:"following,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toModel(u *identity.User) *UserModel {
	m := &UserModel{UserId: u.ID.String(), Email: u.Email, Role: string(u.Role), CreatedAt: u.CreatedAt}
	for _, f := range u.Following {
		m.Following = append(m.Following, f.String())
	}
	return m
}

func toModels(users []*identity.User) []*UserModel {
	out := make([]*UserModel, 0, len(users))
	for _, u := range users {
		out = append(out, toModel(u))
	}
	return out
}

func (u *UserMgmt) Me(ctx context.Context, res *UserModel) error {
	p, _ := common.PrincipalFrom(ctx)
	user, err := u.core.Me(ctx, p)
	if err != nil {
		return err
	}
	*res = *toModel(user)
	return nil
}

func (u *UserMgmt) GetUsers(ctx context.Context, res *[]*UserModel) error {
	p, _ := common.PrincipalFrom(ctx)
	users, err := u.core.ListUsers(ctx, p)
	if err != nil {
		return err
	}
	*res = toModels(users)
	return nil
}

func (u *UserMgmt) GetTrackables(ctx context.Context, res *[]*UserModel) error {
	users, err := u.core.ListTrackables(ctx)
	if err != nil {
		return err
	}
	*res = toModels(users)
	return nil
}

type UserIdRequest struct {
	UserId string `json:"user_id" validate:"required,uuid"`
}

func (u *UserMgmt) DeleteUser(ctx context.Context, req *UserIdRequest, res *common.BasicResponse) error {
	p, _ := common.PrincipalFrom(ctx)
	id, err := identity.ParseID(req.UserId)
	if err != nil {
		return err
	}
	if _, err = u.core.GetUser(ctx, p, id); err != nil {
		return err
	}
	// sessions go first so the user cannot reconnect while being deleted
	err = u.sessions.Revoke(ctx, id)
	if err != nil {
		return err
	}
	err = u.core.DeleteUser(ctx, p, id)
	if err != nil {
		return err
	}
	u.log.Info().Str("user", req.UserId).Str("by", p.ID.String()).Msg("user deleted")
	res.Status = 0
	return nil
}

func (u *UserMgmt) GetUser(ctx context.Context, req *UserIdRequest, res *UserModel) error {
	p, _ := common.PrincipalFrom(ctx)
	id, err := identity.ParseID(req.UserId)
	if err != nil {
		return err
	}
	user, err := u.core.GetUser(ctx, p, id)
	if err != nil {
		return err
	}
	*res = *toModel(user)
	return nil
}

type UpdateUserRequest struct {
	UserId string `json:"user_id" validate:"required,uuid"`
	Email  string `json:"email" validate:"omitempty,email"`
	Role   string `json:"role" validate:"omitempty,oneof=admin watcher trackable"`
}

func (u *UserMgmt) UpdateUser(ctx context.Context, req *UpdateUserRequest, res *UserModel) error {
	p, _ := common.PrincipalFrom(ctx)
	id, err := identity.ParseID(req.UserId)
	if err != nil {
		return err
	}
	current, err := u.core.GetUser(ctx, p, id)
	if err != nil {
		return err
	}
	role := identity.Role(req.Role)
	if role != "" && role != current.Role {
		// sessions carry the old role
		err = u.sessions.Revoke(ctx, id)
		if err != nil {
			return err
		}
	}
	user, err := u.core.UpdateUser(ctx, p, id, tracking.UserUpdate{Email: req.Email, Role: role})
	if err != nil {
		return err
	}
	u.log.Info().Str("user", req.UserId).Str("by", p.ID.String()).Msg("user updated")
	*res = *toModel(user)
	return nil
}

type UpdateProfileRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (u *UserMgmt) UpdateProfile(ctx context.Context, req *UpdateProfileRequest, res *UserModel) error {
	p, _ := common.PrincipalFrom(ctx)
	user, err := u.core.UpdateProfile(ctx, p, req.Email)
	if err != nil {
		return err
	}
	*res = *toModel(user)
	return nil
}
