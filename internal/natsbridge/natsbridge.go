package natsbridge

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/events"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
)

type Ingester interface {
	UpdateLocation(ctx context.Context, device identity.ID, lat, lon float64) (location.Record, error)
}

type Publisher interface {
	Publish(subj string, data []byte) error
}

// LocationMessage is the inbound payload on <prefix>.<id>.location.
type LocationMessage struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type Reply struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// Bridge feeds device locations from NATS into the core. With Republish
// set, accepted updates also go out on <prefix>.<id>.changed to anyone
// subscribed on the NATS account, bypassing the follow checks.
type Bridge struct {
	Republish bool

	nc     *nats.Conn
	pub    Publisher
	core   Ingester
	prefix string
	sub    *nats.Subscription
	bus    *events.Bus
	log    log.Logger
}

func New(nc *nats.Conn, core Ingester, prefix string) *Bridge {
	b := &Bridge{nc: nc, pub: nc, core: core, prefix: strings.TrimSuffix(prefix, ".")}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "natsbridge").Value()
	return b
}

func (b *Bridge) Start(bus *events.Bus) error {
	sub, err := b.nc.Subscribe(b.prefix+".*.location", b.onMessage)
	if err != nil {
		return err
	}
	b.sub = sub
	b.watch(bus)
	b.log.Info().Str("subject", sub.Subject).Bool("republish", b.Republish).Msg("nats bridge started")
	return nil
}

func (b *Bridge) watch(bus *events.Bus) {
	if bus == nil || !b.Republish {
		return
	}
	b.bus = bus
	bus.Handle("natsbridge", "^location\\.changed$", b.republish)
}

func (b *Bridge) Stop() {
	if b.bus != nil {
		b.bus.Unhandle("natsbridge")
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// deviceOf extracts the id from <prefix>.<id>.location.
func (b *Bridge) deviceOf(subject string) (identity.ID, bool) {
	rest := strings.TrimPrefix(subject, b.prefix+".")
	if rest == subject {
		return "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[1] != "location" {
		return "", false
	}
	id, err := identity.ParseID(parts[0])
	if err != nil {
		return "", false
	}
	return id, true
}

func (b *Bridge) onMessage(m *nats.Msg) {
	device, ok := b.deviceOf(m.Subject)
	if !ok {
		b.log.Warn().Str("subject", m.Subject).Msg("bad subject")
		b.reply(m, Reply{Status: -1, Message: "bad subject"})
		return
	}
	var loc LocationMessage
	err := json.Unmarshal(m.Data, &loc)
	if err != nil || loc.Latitude == nil || loc.Longitude == nil {
		b.log.Warn().Str("device", device.String()).Msg("bad location payload")
		b.reply(m, Reply{Status: -1, Message: "bad payload"})
		return
	}
	_, err = b.core.UpdateLocation(context.Background(), device, *loc.Latitude, *loc.Longitude)
	if err != nil {
		b.log.Info().Err(err).Str("device", device.String()).Msg("location rejected")
		b.reply(m, Reply{Status: -1, Message: err.Error()})
		return
	}
	b.reply(m, Reply{Status: 0})
}

func (b *Bridge) reply(m *nats.Msg, r Reply) {
	if m.Reply == "" {
		return
	}
	d, _ := json.Marshal(r)
	err := b.pub.Publish(m.Reply, d)
	if err != nil {
		b.log.Error().Err(err).Msg("error replying")
	}
}

func (b *Bridge) republish(ctx context.Context, e events.Event) {
	rec, ok := e.Data.(location.Record)
	if !ok {
		return
	}
	d, err := json.Marshal(rec)
	if err != nil {
		b.log.Error().Err(err).Msg("error encoding location")
		return
	}
	err = b.pub.Publish(b.prefix+"."+rec.TrackableID.String()+".changed", d)
	if err != nil {
		b.log.Error().Err(err).Str("trackable_id", rec.TrackableID.String()).Msg("error republishing")
	}
}
