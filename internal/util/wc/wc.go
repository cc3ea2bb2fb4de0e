package wc

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Conn counts the bytes moved through a connection and logs them on close.
type Conn struct {
	net.Conn
	closed   uint32
	cid      uint64
	created  time.Time
	byte_in  uint64
	byte_out uint64
	logger   zerolog.Logger
}

func NewWrappedConn(conn net.Conn, cid uint64, logger zerolog.Logger) *Conn {
	o := &Conn{Conn: conn, cid: cid}
	o.created = time.Now()
	o.logger = logger.With().Str("module", "wconn").Uint64("cid", cid).Str("remote_address", conn.RemoteAddr().String()).Logger()
	o.logger.Debug().Msg("connection created")
	return o
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(d []byte) (int, error) {
	n, err := c.Conn.Write(d)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

// Close is idempotent; only the first call logs.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	err := c.Conn.Close()
	in, out := c.Stat()
	c.logger.Debug().Uint64("byte_in", in).Uint64("byte_out", out).Dur("age", time.Since(c.created)).Msg("connection closed")
	return err
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}
