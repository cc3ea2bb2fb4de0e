package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/speps/go-hashids/v2"
	"nhooyr.io/websocket"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/sublist"
	"nuha.dev/locwatch/internal/tracking"
)

var ErrSlowConsumer = errors.New("outbound buffer full")

// Resolver turns the first frame of a connection into a principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (identity.Principal, error)
}

type WebStreamConfig struct {
	ListenAddr string
	// BufferSize bounds the outbound queue of one connection.
	BufferSize int
	// LoginTimeout bounds the wait for the token frame.
	LoginTimeout time.Duration
	// IdSalt seeds the connection id encoding.
	IdSalt string
}

type WebstreamServer struct {
	server *http.Server
	log    log.Logger
	core   *tracking.Core
	auth   Resolver
	config WebStreamConfig
	vld    *validator.Validate
	ids    *hashids.HashID
	seq    int64
	wg     sync.WaitGroup
}

const (
	CLocationChanged string = "location_changed"
	CFollowing       string = "following"
	CError           string = "error"
	CReady           string = "ready"

	CFollow   string = "follow"
	CUnfollow string = "unfollow"
)

// Event is an outbound frame.
type Event struct {
	Type string `json:"type"`
	*location.Record
	Conn      string   `json:"conn,omitempty"`
	Following []string `json:"following,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Intent is an inbound frame.
type Intent struct {
	Action      string `json:"action" validate:"required,oneof=follow unfollow"`
	TrackableId string `json:"trackable_id" validate:"required,uuid"`
}

func NewWebstream(core *tracking.Core, auth Resolver, config WebStreamConfig) (*WebstreamServer, error) {
	o := &WebstreamServer{config: config, core: core, auth: auth}
	if o.config.BufferSize <= 0 {
		o.config.BufferSize = 32
	}
	if o.config.LoginTimeout <= 0 {
		o.config.LoginTimeout = 5 * time.Second
	}
	hd := hashids.NewData()
	hd.Salt = o.config.IdSalt
	hd.MinLength = 8
	ids, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	o.ids = ids
	o.vld = validator.New()
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        o,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o, nil
}

func (ws *WebstreamServer) Run(ctx context.Context) error {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.server.Shutdown(shutdownCtx)
	}()
	err := ws.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		ws.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (ws *WebstreamServer) nextID() sublist.ConnID {
	n := atomic.AddInt64(&ws.seq, 1)
	s, err := ws.ids.EncodeInt64([]int64{n})
	if err != nil {
		// cannot happen for positive input
		panic(err)
	}
	return sublist.ConnID(s)
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	ws.wg.Add(1)
	defer ws.wg.Done()

	readCtx, cancel := context.WithTimeout(r.Context(), ws.config.LoginTimeout)
	_, msg, err := c.Read(readCtx)
	cancel()
	if err != nil {
		ws.log.Info().Err(err).Msg("error while reading auth token")
		c.Close(websocket.StatusPolicyViolation, "token expected")
		return
	}
	principal, err := ws.auth.Resolve(r.Context(), string(msg))
	if err != nil {
		ws.log.Info().Err(err).Msg("invalid websocket token")
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	wc := &WebstreamClient{
		id:        ws.nextID(),
		srv:       ws,
		c:         c,
		principal: principal,
		out:       make(chan []byte, ws.config.BufferSize),
		ctx:       ctx,
		stop:      stop,
	}
	wc.log = ws.log
	wc.log.Context = log.NewContext(nil).Str("module", "websocket").Str("conn", string(wc.id)).Str("user", principal.ID.String()).Value()

	err = ws.core.OnConnect(ctx, wc, principal)
	if err != nil {
		wc.log.Error().Err(err).Msg("attach failed")
		c.Close(websocket.StatusInternalError, "attach failed")
		return
	}
	defer ws.core.OnDisconnect(wc.id)

	wc.send(Event{Type: CReady, Conn: string(wc.id)})
	go wc.readLoop()
	wc.writeLoop()
	wc.log.Info().Uint64("pushed", atomic.LoadUint64(&wc.pushed)).Uint64("skipped", atomic.LoadUint64(&wc.skipped)).Msg("connection closed")
}

// Wait blocks until every open connection has finished.
func (ws *WebstreamServer) Wait() {
	ws.wg.Wait()
}

type WebstreamClient struct {
	id        sublist.ConnID
	srv       *WebstreamServer
	c         *websocket.Conn
	principal identity.Principal
	log       log.Logger
	out       chan []byte
	ctx       context.Context
	stop      context.CancelFunc
	pushed    uint64
	skipped   uint64
}

func (wc *WebstreamClient) ID() sublist.ConnID {
	return wc.id
}

// Push queues rec without blocking. A full queue closes the connection.
func (wc *WebstreamClient) Push(rec location.Record) error {
	if wc.ctx.Err() != nil {
		return sublist.ErrClosed
	}
	d, err := json.Marshal(Event{Type: CLocationChanged, Record: &rec})
	if err != nil {
		return err
	}
	if !wc.send(d) {
		atomic.AddUint64(&wc.skipped, 1)
		wc.stop()
		return ErrSlowConsumer
	}
	atomic.AddUint64(&wc.pushed, 1)
	return nil
}

// send queues v, which is either a pre-encoded frame or an Event.
func (wc *WebstreamClient) send(v interface{}) bool {
	d, ok := v.([]byte)
	if !ok {
		var err error
		d, err = json.Marshal(v)
		if err != nil {
			wc.log.Error().Err(err).Msg("error encoding frame")
			return false
		}
	}
	select {
	case wc.out <- d:
		return true
	default:
		return false
	}
}

func (wc *WebstreamClient) Close() error {
	wc.stop()
	return nil
}

func (wc *WebstreamClient) writeLoop() {
	defer wc.c.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case <-wc.ctx.Done():
			return
		case d := <-wc.out:
			writeCtx, cancel := context.WithTimeout(wc.ctx, 10*time.Second)
			err := wc.c.Write(writeCtx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.log.Info().Err(err).Msg("error while writing to connection")
				wc.stop()
				return
			}
		}
	}
}

func (wc *WebstreamClient) readLoop() {
	defer wc.stop()
	for {
		_, msg, err := wc.c.Read(wc.ctx)
		if err != nil {
			if wc.ctx.Err() == nil {
				wc.log.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		var in Intent
		err = json.Unmarshal(msg, &in)
		if err != nil {
			wc.send(Event{Type: CError, Message: "malformed intent"})
			continue
		}
		wc.handle(in)
	}
}

func (wc *WebstreamClient) handle(in Intent) {
	err := wc.srv.vld.Struct(in)
	if err != nil {
		wc.send(Event{Type: CError, Message: err.Error()})
		return
	}
	id, err := identity.ParseID(in.TrackableId)
	if err != nil {
		wc.send(Event{Type: CError, Message: err.Error()})
		return
	}
	var set []identity.ID
	switch in.Action {
	case CFollow:
		set, err = wc.srv.core.Follow(wc.ctx, wc.principal, id)
	case CUnfollow:
		set, err = wc.srv.core.Unfollow(wc.ctx, wc.principal, id)
	}
	if err != nil {
		wc.log.Debug().Err(err).Str("action", in.Action).Str("trackable_id", in.TrackableId).Msg("intent rejected")
		wc.send(Event{Type: CError, Message: err.Error()})
		return
	}
	following := make([]string, len(set))
	for i, f := range set {
		following[i] = f.String()
	}
	wc.send(Event{Type: CFollowing, Following: following})
}
