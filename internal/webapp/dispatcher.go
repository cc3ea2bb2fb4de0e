package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/webapp/common"
)

const sessionCookie = "GSESS"

// Resolver turns a session token into the caller's principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (identity.Principal, error)
}

type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
	sessions  Resolver
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
	roles   []identity.Role
}

func has_role(role identity.Role, allowed []identity.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func NewDispatcher(sessions Resolver, vld *validator.Validate) *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = vld
	d.sessions = sessions
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	ck, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return ck.Value
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	principal, err := disp.sessions.Resolve(r.Context(), token)
	if err != nil {
		common.Error(w, err)
		return
	}
	_func, ok := disp.funcs[funcname]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", funcname), http.StatusNotFound)
		return
	}
	if !has_role(principal.Role, _func.roles) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	disp.call(_func, principal, r, w)
}

func (disp *Dispatcher) call(_func _function, principal identity.Principal, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	_ctx := common.WithPrincipal(r.Context(), principal)
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(_ctx), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(_ctx), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		status := common.Error(w, err)
		if status >= http.StatusInternalServerError {
			disp.log.Error().Err(err).Str("user", principal.ID.String()).Msg("function failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(response.Interface())
	if err != nil {
		disp.log.Error().Err(err).Msg("")
	}
}

// Add registers f as funcname. f is func(ctx, *Req, *Res) error or
// func(ctx, *Res) error; the roles listed may call it.
func (disp *Dispatcher) Add(funcname string, f interface{}, roles ...identity.Role) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	s.roles = roles
	disp.funcs[funcname] = s
}

// AnyRole is the role set of functions open to every authenticated caller.
var AnyRole = []identity.Role{identity.Admin, identity.Watcher, identity.Trackable}
