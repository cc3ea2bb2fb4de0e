package webapp

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"net/http"
	"time"

	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/util"
	"nuha.dev/locwatch/internal/webapp/common"
)

const csrfCookie = "GSURF"

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Status     int       `json:"status"`
	UserId     string    `json:"user_id"`
	Role       string    `json:"role"`
	Token      string    `json:"token"`
	CsrfToken  string    `json:"csrf_token"`
	ValidUntil time.Time `json:"valid_until"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"required,oneof=watcher trackable"`
}

type RegisterResponse struct {
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func login_success_setCookie(w http.ResponseWriter, sessionId, csrfToken, domain string, validUntil time.Time) {
	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     sessionCookie,
		Value:    sessionId,
		Path:     "/func",
		Expires:  validUntil,
	})

	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		Name:     csrfCookie,
		Value:    csrfToken,
		Path:     "/func",
		Expires:  validUntil,
	})
}

func (api *Api) Login(w http.ResponseWriter, r *http.Request) {
	req_body := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.vld.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := api.auth.Login(r.Context(), req_body.Email, req_body.Password)
	if err != nil {
		if common.Error(w, err) == http.StatusUnauthorized {
			api.log.Info().Str("email", req_body.Email).Msg("login failed")
		} else {
			api.log.Error().Err(err).Msg("login error")
		}
		return
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], crc32.ChecksumIEEE([]byte(sess.Principal.ID)))
	csrf_token := util.GenRandomString(prefix[:], 24)
	login_success_setCookie(w, sess.Token, csrf_token, api.config.CookieDomain, sess.ValidUntil)
	util.JsonWrite(w, LoginResponse{
		Status:     0,
		UserId:     sess.Principal.ID.String(),
		Role:       string(sess.Principal.Role),
		Token:      sess.Token,
		CsrfToken:  csrf_token,
		ValidUntil: sess.ValidUntil,
	})
}

func (api *Api) Register(w http.ResponseWriter, r *http.Request) {
	req_body := RegisterRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.vld.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	role, err := identity.ParseRole(req_body.Role)
	if err != nil {
		common.Error(w, err)
		return
	}
	u, err := api.auth.Register(r.Context(), req_body.Email, req_body.Password, role)
	if err != nil {
		if common.Error(w, err) >= http.StatusInternalServerError {
			api.log.Error().Err(err).Msg("register error")
		}
		return
	}
	util.JsonWriteStatus(w, http.StatusCreated, RegisterResponse{UserId: u.ID.String(), Email: u.Email, Role: string(u.Role)})
}
