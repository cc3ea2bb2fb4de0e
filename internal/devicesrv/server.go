package devicesrv

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/locwatch/internal/devicesrv/frame"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
)

const (
	NEW_CONNECTION      string = "new_connection"
	NEW_TUNNEL          string = "new_tunnel"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	LOGIN_REJECTED      string = "login_rejected"
	CONNECTION_REPLACED string = "connection_replaced"
)

// Ingester is the part of the tracking core a device connection drives.
type Ingester interface {
	CanIngest(ctx context.Context, device identity.ID) (bool, error)
	UpdateLocation(ctx context.Context, device identity.ID, lat, lon float64) (location.Record, error)
}

type ServerConfig struct {
	ListenerAddr string
	TunnelAddr   string
	TunnelToken  string
	// TunnelCert and TunnelKey switch the tunnel listener to tls.
	TunnelCert string
	TunnelKey  string
	// DeviceKey, when set, must be presented in the login frame.
	DeviceKey    string
	LoginTimeout time.Duration
	// ReadTimeout drops devices silent for longer. Zero keeps them.
	ReadTimeout time.Duration
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	core        Ingester
	cid_counter uint64
	devices     map[identity.ID]*Conn
	conns       map[io.Closer]struct{}
	wg          sync.WaitGroup
}

func NewServer(core Ingester, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "device-server").Value()
	s.config = config
	if s.config.LoginTimeout <= 0 {
		s.config.LoginTimeout = 2 * time.Second
	}
	s.core = core
	s.devices = make(map[identity.ID]*Conn)
	s.conns = make(map[io.Closer]struct{})
	return s
}

// Run accepts device connections, PROXY protocol aware, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msgf("starting device-server on %s", s.config.ListenerAddr)
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	return s.Serve(ctx, &proxyproto.Listener{Listener: ln})
}

// RunTunnel accepts yamux sessions; every stream is one device connection.
func (s *Server) RunTunnel(ctx context.Context) error {
	s.log.Info().Msgf("starting tunnel listener on %s", s.config.TunnelAddr)
	var ln net.Listener
	var err error
	if s.config.TunnelCert == "" && s.config.TunnelKey == "" {
		ln, err = net.Listen("tcp", s.config.TunnelAddr)
	} else {
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(s.config.TunnelCert, s.config.TunnelKey)
		if err == nil {
			ln, err = tls.Listen("tcp", s.config.TunnelAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	return s.ServeTunnel(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := s.closeOnDone(ctx, ln)
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, c)
		}()
	}
}

// ServeTunnel accepts gateway connections. Each one carries a yamux session
// whose streams are device connections, optionally led by a PROXY header.
func (s *Server) ServeTunnel(ctx context.Context, ln net.Listener) error {
	stop := s.closeOnDone(ctx, ln)
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept tunnel")
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, c)
		}()
	}
}

func (s *Server) serveSession(ctx context.Context, c net.Conn) {
	if !s.tunnelHandshake(c) {
		c.Close()
		return
	}
	session, err := yamux.Server(c, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to start tunnel session")
		c.Close()
		return
	}
	s.log.Info().Str("event", NEW_TUNNEL).Str("remote", c.RemoteAddr().String()).Msg("")
	s.track(session)
	defer s.untrack(session)
	streams := &proxyproto.Listener{Listener: session}
	for {
		stream, err := streams.Accept()
		if err != nil {
			s.log.Info().Err(err).Str("remote", c.RemoteAddr().String()).Msg("tunnel closed")
			session.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, stream)
		}()
	}
}

// tunnelHandshake checks the token line sent by the gateway and answers
// '+' or '-'. Without a configured token every gateway is accepted.
func (s *Server) tunnelHandshake(c net.Conn) bool {
	if s.config.TunnelToken == "" {
		return true
	}
	_ = c.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	defer c.SetReadDeadline(time.Time{})
	line := make([]byte, 0, 64)
	b := make([]byte, 1)
	for {
		_, err := io.ReadFull(c, b)
		if err != nil {
			s.log.Info().Err(err).Msg("error reading tunnel token")
			return false
		}
		if b[0] == '\n' {
			break
		}
		if len(line) == cap(line) {
			s.log.Info().Msg("tunnel token too long")
			return false
		}
		line = append(line, b[0])
	}
	if subtle.ConstantTimeCompare(line, []byte(s.config.TunnelToken)) != 1 {
		s.log.Warn().Str("remote", c.RemoteAddr().String()).Msg("invalid tunnel token")
		_, _ = c.Write([]byte{'-'})
		return false
	}
	_, err := c.Write([]byte{'+'})
	return err == nil
}

// closeOnDone closes ln and every open connection once ctx is done.
func (s *Server) closeOnDone(ctx context.Context, ln net.Listener) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()
	return func() { close(done) }
}

func (s *Server) track(c io.Closer) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connected reports whether device currently has a live connection.
func (s *Server) Connected(device identity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[device]
	return ok
}

// attach makes c the connection of device, closing any older one.
func (s *Server) attach(device identity.ID, c *Conn) {
	s.mu.Lock()
	old, ok := s.devices[device]
	s.devices[device] = c
	s.mu.Unlock()
	if ok {
		s.log.Info().Str("event", CONNECTION_REPLACED).Str("device", device.String()).EmbedObject(old).Msg("")
		old.Close()
	}
}

func (s *Server) detach(device identity.ID, c *Conn) {
	s.mu.Lock()
	if s.devices[device] == c {
		delete(s.devices, device)
	}
	s.mu.Unlock()
}

func (s *Server) handle(ctx context.Context, raw net.Conn) {
	c := NewConn(raw, atomic.AddUint64(&s.cid_counter, 1))
	s.track(c)
	defer s.untrack(c)
	defer c.Close()
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")

	h := &loginHandler{s: s, c: c}
	device, ok := h.handle(ctx)
	if !ok {
		return
	}
	s.attach(device, c)
	defer s.detach(device, c)
	s.readLoop(ctx, device, c)
}

type loginHandler struct {
	s *Server
	c *Conn
}

func (h *loginHandler) MarshalObject(e *log.Entry) {
	e.EmbedObject(h.c).Str("device_type", "simplejson")
}

func (h *loginHandler) reject(reason string) {
	h.s.log.Info().Str("event", LOGIN_REJECTED).EmbedObject(h).Msg(reason)
	_ = frame.WriteMessage(h.c, frame.ACK, frame.AckMessage{Status: -1, Message: reason})
}

func (h *loginHandler) handle(ctx context.Context) (identity.ID, bool) {
	_ = h.c.SetReadDeadline(time.Now().Add(h.s.config.LoginTimeout))
	b, err := h.c.Peek(1)
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("error peeking from connection, will close")
		return "", false
	}
	if b[0] != frame.Start {
		h.s.log.Error().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msgf("unknown start byte %x", b[0])
		return "", false
	}
	msg := frame.NewMessage(256)
	err = frame.ReadMessage(h.c, msg)
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("error reading login message")
		return "", false
	}
	_ = h.c.SetReadDeadline(time.Time{})
	if msg.Protocol != frame.LOGIN {
		h.s.log.Error().EmbedObject(h).Str("event", LOGIN_MESSAGE_ERROR).Msgf("message type is not login,type : %x", msg.Protocol)
		return "", false
	}
	login := frame.LoginMessage{}
	err = json.Unmarshal(msg.Payload, &login)
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("error parsing login message")
		return "", false
	}
	device, err := identity.ParseID(login.DeviceId)
	if err != nil {
		h.reject("invalid device id")
		return "", false
	}
	if h.s.config.DeviceKey != "" && subtle.ConstantTimeCompare([]byte(login.Key), []byte(h.s.config.DeviceKey)) != 1 {
		h.reject("invalid device key")
		return "", false
	}
	ok, err := h.s.core.CanIngest(ctx, device)
	if err != nil {
		h.s.log.Error().Err(err).EmbedObject(h).Msg("error checking device")
		return "", false
	}
	if !ok {
		h.reject("not a trackable device")
		return "", false
	}
	err = frame.WriteMessage(h.c, frame.ACK, frame.AckMessage{Status: 0})
	if err != nil {
		h.s.log.Error().Err(err).EmbedObject(h).Msg("error sending login acknowledge")
		return "", false
	}
	h.s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(h).Str("device", device.String()).Str("type", login.DeviceType).Msg("")
	return device, true
}

func (s *Server) readLoop(ctx context.Context, device identity.ID, c *Conn) {
	l := s.log
	l.Context = log.NewContext(nil).Str("module", "device").Str("device", device.String()).Uint64("cid", c.cid).Value()
	msg := frame.NewMessage(1024)
	for {
		if s.config.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		err := frame.ReadMessage(c, msg)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.Info().Msg("device disconnected")
			} else {
				l.Error().Err(err).Msg("error while reading message")
			}
			return
		}
		switch msg.Protocol {
		case frame.LOCATION_UPDATE:
			loc := frame.LocationMessage{}
			err = json.Unmarshal(msg.Payload, &loc)
			if err != nil {
				l.Error().Err(err).Msg("error parsing location data")
				return
			}
			rec, err := s.core.UpdateLocation(ctx, device, loc.Latitude, loc.Longitude)
			if err != nil {
				l.Info().Err(err).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Msg("location rejected")
				_ = frame.WriteMessage(c, frame.ACK, frame.AckMessage{Status: -1, Message: err.Error()})
				if errors.Is(err, location.ErrNotTrackable) {
					return
				}
				continue
			}
			l.Trace().EmbedObject(&rec).Time("gps_time", loc.GpsTime).Msg("location accepted")
		case frame.STATUS:
			l.Debug().RawJSON("status", msg.Payload).Msg("status received")
		default:
			l.Warn().Msgf("unknown protocol %x", msg.Protocol)
			_ = frame.WriteMessage(c, frame.ACK, frame.AckMessage{Status: -1, Message: "unknown protocol"})
			continue
		}
		err = frame.WriteMessage(c, frame.ACK, frame.AckMessage{Status: 0})
		if err != nil {
			l.Info().Err(err).Msg("error writing acknowledge")
			return
		}
	}
}
