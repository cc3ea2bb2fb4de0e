package webapp

import (
	"net/http"
	"time"
)

func (api *Api) Logout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		HttpOnly: true,
		Name:     sessionCookie,
		Value:    "",
		Path:     "/func",
		Expires:  time.Unix(0, 0),
	})
	err := api.auth.Logout(r.Context(), token)
	if err != nil {
		api.log.Error().Err(err).Msg("logout error")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
