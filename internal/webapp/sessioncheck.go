package webapp

import (
	"net/http"

	"nuha.dev/locwatch/internal/util"
)

type sessionCheckResponse struct {
	Status bool   `json:"status"`
	UserId string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

func (api *Api) SessionCheck(w http.ResponseWriter, r *http.Request) {
	res_body := sessionCheckResponse{}
	p, err := api.auth.Resolve(r.Context(), sessionToken(r))
	if err == nil {
		res_body.Status = true
		res_body.UserId = p.ID.String()
		res_body.Role = string(p.Role)
	}
	util.JsonWrite(w, res_body)
}
