package webapp

import (
	"context"
	"errors"

	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/webapp/common"
)

type changePwdRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

type changePwdResponse struct {
	Status int `json:"status"`
}

// ChangePassword verifies the current password and sets a new one. Every
// session of the caller is dropped, so the client has to log in again.
func (api *Api) ChangePassword(ctx context.Context, req *changePwdRequest, res *changePwdResponse) error {
	p, _ := common.PrincipalFrom(ctx)
	err := api.auth.ChangePassword(ctx, p.ID, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		res.Status = -1
		return nil
	} else if err != nil {
		return err
	}
	api.log.Info().Str("user", p.ID.String()).Msg("password changed")
	res.Status = 0
	return nil
}
