package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"nuha.dev/locwatch/internal/util/wc"
)

type gatewayConfig struct {
	ListenAddr string
	ServerAddr string
	Token      string
	TLS        *tls.Config
}

// gateway accepts local device connections and carries each one as a
// yamux stream to the server's tunnel listener.
type gateway struct {
	config  gatewayConfig
	log     zerolog.Logger
	mu      sync.Mutex
	session *yamux.Session
	cid     uint64
}

func newGateway(config gatewayConfig, logger zerolog.Logger) *gateway {
	return &gateway{config: config, log: logger.With().Str("module", "gateway").Logger()}
}

func (g *gateway) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: 5 * time.Second}
	if g.config.TLS != nil {
		return tls.DialWithDialer(d, "tcp", g.config.ServerAddr, g.config.TLS)
	}
	return d.DialContext(ctx, "tcp", g.config.ServerAddr)
}

// connect opens the tunnel session, authenticating with the token first.
func (g *gateway) connect(ctx context.Context) (*yamux.Session, error) {
	c, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	if g.config.Token != "" {
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
		_, err = fmt.Fprintf(c, "%s\n", g.config.Token)
		if err != nil {
			c.Close()
			return nil, err
		}
		answer := make([]byte, 1)
		_, err = io.ReadFull(c, answer)
		if err != nil {
			c.Close()
			return nil, err
		}
		if answer[0] != '+' {
			c.Close()
			return nil, errors.New("tunnel token rejected")
		}
		_ = c.SetDeadline(time.Time{})
	}
	session, err := yamux.Client(c, nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	g.mu.Lock()
	g.session = session
	g.mu.Unlock()
	g.log.Info().Str("server", g.config.ServerAddr).Msg("tunnel established")
	return session, nil
}

func (g *gateway) current() *yamux.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil || g.session.IsClosed() {
		return nil
	}
	return g.session
}

// serve accepts device connections on ln until it is closed.
func (g *gateway) serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		conn := wc.NewWrappedConn(c, atomic.AddUint64(&g.cid, 1), g.log)
		go g.forward(conn)
	}
}

func (g *gateway) forward(conn *wc.Conn) {
	defer conn.Close()
	session := g.current()
	if session == nil {
		g.log.Warn().Uint64("cid", conn.Cid()).Msg("no tunnel, dropping device connection")
		return
	}
	stream, err := session.OpenStream()
	if err != nil {
		g.log.Error().Err(err).Msg("error trying to open stream")
		return
	}
	defer stream.Close()
	g.log.Debug().Uint32("stream", stream.StreamID()).Uint64("cid", conn.Cid()).Msg("new stream")

	_, err = io.WriteString(stream, proxyHeader(conn.RemoteAddr(), conn.LocalAddr()))
	if err != nil {
		g.log.Error().Err(err).Msg("error writing proxy header")
		return
	}
	done := make(chan struct{})
	go func() {
		_, err := io.Copy(stream, conn)
		if err != nil {
			g.log.Debug().Err(err).Uint32("stream", stream.StreamID()).Msg("device to stream copy ended")
		}
		stream.Close()
		close(done)
	}()
	_, err = io.Copy(conn, stream)
	if err != nil {
		g.log.Debug().Err(err).Uint32("stream", stream.StreamID()).Msg("stream to device copy ended")
	}
	conn.Close()
	<-done
}

// proxyHeader is a PROXY protocol v1 line carrying the device address.
func proxyHeader(src, dst net.Addr) string {
	s, ok1 := src.(*net.TCPAddr)
	d, ok2 := dst.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return "PROXY UNKNOWN\r\n"
	}
	proto := "TCP4"
	if s.IP.To4() == nil || d.IP.To4() == nil {
		proto = "TCP6"
	}
	return fmt.Sprintf("PROXY %s %s %s %d %d\r\n", proto, s.IP, d.IP, s.Port, d.Port)
}
