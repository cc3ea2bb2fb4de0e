package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/location"
)

// Archive batches location history and writes it with COPY.
type Archive struct {
	config *ArchiveConfig
	wlock  sync.Mutex
	wbuf   buffer
	flushq chan buffer
	done   chan struct{}
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
	now    func() time.Time
}

type ArchiveConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func newBuffer(seq uint64, n int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, n)}
}

type record struct {
	id   string
	lat  float64
	lon  float64
	ts   time.Time
	srvt time.Time
}

func NewArchive(db *pgxpool.Pool, table string, config *ArchiveConfig) *Archive {
	o := &Archive{}
	o.config = config
	if o.config.BufSize <= 0 {
		o.config.BufSize = 512
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 5 * time.Second
	}
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = newBuffer(0, o.config.BufSize)
	o.flushq = make(chan buffer, 4)
	o.done = make(chan struct{})
	o.now = time.Now
	return o
}

// Run drives the flusher until ctx is done, then writes what is left.
func (st *Archive) Run(ctx context.Context) error {
	defer close(st.done)
	conn, err := st.dbp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	st.log.Info().Str("table", st.table).Msg("starting flusher task")

	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case buf := <-st.flushq:
			st.write(conn, buf)
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-ctx.Done():
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 {
				st.flush()
			}
			st.wlock.Unlock()
			for {
				select {
				case buf := <-st.flushq:
					st.write(conn, buf)
				default:
					return nil
				}
			}
		}
	}
}

func (st *Archive) Put(rec location.Record) {
	r := record{id: rec.TrackableID.String(), lat: rec.Latitude, lon: rec.Longitude, ts: rec.UpdatedAt, srvt: st.now().UTC()}
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = r.srvt
	}
	st.wbuf.buf = append(st.wbuf.buf, r)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

// flush hands the write buffer to the flusher. Called with wlock held.
func (st *Archive) flush() {
	select {
	case st.flushq <- st.wbuf:
	default:
		st.log.Warn().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("flusher behind, dropping history batch")
	}
	st.wbuf = newBuffer(st.wbuf.seq+1, st.config.BufSize)
}

func (st *Archive) write(conn *pgxpool.Conn, buf buffer) {
	t1 := time.Now()
	_, err := conn.CopyFrom(context.Background(),
		pgx.Identifier{st.table},
		[]string{"trackable_id", "latitude", "longitude", "recorded_at", "server_time"},
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.id, d.lat, d.lon, d.ts, d.srvt}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
		return
	}
	st.log.Debug().Str("action", "flush").Uint64("seq", buf.seq).Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
}

// Wait blocks until Run has returned.
func (st *Archive) Wait() {
	<-st.done
}
