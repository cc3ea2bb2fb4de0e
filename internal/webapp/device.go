package webapp

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/util"
	"nuha.dev/locwatch/internal/webapp/common"
)

const deviceKeyHeader = "X-Device-Key"

type DeviceLocationRequest struct {
	DeviceId  string   `json:"device_id" validate:"omitempty,uuid"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

// deviceID authenticates a device either by a trackable session or by the
// shared device key plus the device id in the body.
func (api *Api) deviceID(r *http.Request, req *DeviceLocationRequest) (identity.ID, bool) {
	if token := sessionToken(r); token != "" {
		p, err := api.auth.Resolve(r.Context(), token)
		if err == nil && p.Role == identity.Trackable {
			return p.ID, true
		}
	}
	key := r.Header.Get(deviceKeyHeader)
	if api.config.DeviceKey == "" || key == "" || req.DeviceId == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(api.config.DeviceKey)) != 1 {
		return "", false
	}
	id, err := identity.ParseID(req.DeviceId)
	if err != nil {
		return "", false
	}
	return id, true
}

func (api *Api) DeviceLocation(w http.ResponseWriter, r *http.Request) {
	req_body := DeviceLocationRequest{}
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
	id, ok := api.deviceID(r, &req_body)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	rec, err := api.core.UpdateLocation(r.Context(), id, *req_body.Latitude, *req_body.Longitude)
	if err != nil {
		if common.Error(w, err) >= http.StatusInternalServerError {
			api.log.Error().Err(err).Str("device", id.String()).Msg("location update failed")
		}
		return
	}
	util.JsonWrite(w, rec)
}
