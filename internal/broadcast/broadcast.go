package broadcast

import (
	"context"
	"sync/atomic"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/events"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/sublist"
)

type Registry interface {
	SubscribersOf(id identity.ID) []sublist.Subscriber
	Detach(cid sublist.ConnID)
}

// Router fans a stored record out to the connections subscribed to its
// device. It is the location.Publisher of the store, so it always runs
// inside the device's critical section.
type Router struct {
	reg     Registry
	bus     *events.Bus
	log     log.Logger
	pushed  uint64
	dropped uint64
}

func New(reg Registry, bus *events.Bus) *Router {
	r := &Router{reg: reg, bus: bus}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "broadcast").Value()
	return r
}

func (r *Router) Publish(ctx context.Context, rec location.Record) {
	subs := r.reg.SubscribersOf(rec.TrackableID)
	for _, sub := range subs {
		err := sub.Push(rec)
		if err != nil {
			// no retry, the next update supersedes this one
			atomic.AddUint64(&r.dropped, 1)
			r.reg.Detach(sub.ID())
			r.log.Info().Err(err).Str("conn", string(sub.ID())).Str("trackable_id", rec.TrackableID.String()).Msg("delivery failed, subscriber detached")
			r.bus.Emit(ctx, events.SubscriberDropped, events.Dropped{Conn: string(sub.ID()), TrackableID: rec.TrackableID.String(), Reason: err.Error()})
			continue
		}
		atomic.AddUint64(&r.pushed, 1)
	}
	r.bus.Emit(ctx, events.LocationChanged, rec)
}

func (r *Router) Stat() (pushed, dropped uint64) {
	return atomic.LoadUint64(&r.pushed), atomic.LoadUint64(&r.dropped)
}
