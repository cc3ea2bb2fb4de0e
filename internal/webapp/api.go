package webapp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/tracking"
	"nuha.dev/locwatch/internal/webapp/tracker"
	"nuha.dev/locwatch/internal/webapp/usermgmt"
)

type ApiConfig struct {
	ListenAddr   string
	VerifyCSRF   bool
	CookieDomain string
	// DeviceKey enables POST /device/location for devices without a session.
	DeviceKey string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	core   *tracking.Core
	auth   *auth.Service
	vld    *validator.Validate
}

func NewApi(core *tracking.Core, authsvc *auth.Service, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.core = core
	api.auth = authsvc
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token", deviceKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	disp := NewDispatcher(authsvc, api.vld)
	tracker_api := tracker.NewTrackerApi(core)
	disp.Add("GetLatestLocation", tracker_api.GetLatestLocation, identity.Admin, identity.Watcher)
	disp.Add("Follow", tracker_api.Follow, identity.Watcher)
	disp.Add("Unfollow", tracker_api.Unfollow, identity.Watcher)
	disp.Add("ListFollowing", tracker_api.ListFollowing, identity.Watcher)
	disp.Add("UpdateLocation", tracker_api.UpdateLocation, identity.Trackable)
	disp.Add("GetStat", tracker_api.GetStat, identity.Admin)

	user_api := usermgmt.NewUserMgmtApi(core, authsvc)
	disp.Add("Me", user_api.Me, AnyRole...)
	disp.Add("GetTrackables", user_api.GetTrackables, AnyRole...)
	disp.Add("GetUsers", user_api.GetUsers, identity.Admin)
	disp.Add("DeleteUser", user_api.DeleteUser, identity.Admin)
	disp.Add("GetUser", user_api.GetUser, identity.Admin)
	disp.Add("UpdateUser", user_api.UpdateUser, identity.Admin)
	disp.Add("UpdateProfile", user_api.UpdateProfile, AnyRole...)
	disp.Add("ChangePassword", api.ChangePassword, AnyRole...)

	r.Post("/func/login", api.Login)
	r.Post("/func/register", api.Register)
	r.Post("/func/logout", api.Logout)
	r.Post("/func/sess_check", api.SessionCheck)
	r.Post("/device/location", api.DeviceLocation)
	var final_router chi.Router
	if config.VerifyCSRF {
		final_router = r.With(xsrf_verify)
	} else {
		final_router = r
	}
	final_router.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until ctx is done.
func (api *Api) Run(ctx context.Context) error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.s.Shutdown(shutdownCtx)
	}()
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

// xsrf_verify applies to cookie sessions only; bearer clients are exempt.
func xsrf_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			next.ServeHTTP(w, r)
			return
		}
		hsrf := r.Header.Get("X-XSRF-TOKEN")
		ct, err1 := r.Cookie(csrfCookie)
		var cookie_token string
		if err1 == nil {
			cookie_token = ct.Value
		}
		if err1 != nil || hsrf != cookie_token {
			log.Debug().Err(err1).Str("header_token", hsrf).Str("cookie_token", cookie_token).Msg("mismatched csrf token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
