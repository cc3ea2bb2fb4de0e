package events

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	LocationChanged   string = "location.changed"
	FollowingChanged  string = "following.changed"
	SubscriberDropped string = "subscriber.dropped"
	UserDeleted       string = "user.deleted"
	UserUpdated       string = "user.updated"
)

var Topics = []string{LocationChanged, FollowingChanged, SubscriberDropped, UserDeleted, UserUpdated}

type Event = bus.Event

// FollowingChange is the payload of FollowingChanged.
type FollowingChange struct {
	Watcher   string   `json:"watcher"`
	Target    string   `json:"target"`
	Action    string   `json:"action"`
	Following []string `json:"following"`
}

// Dropped is the payload of SubscriberDropped.
type Dropped struct {
	Conn        string `json:"conn"`
	TrackableID string `json:"trackable_id"`
	Reason      string `json:"reason"`
}

// epoch for monoton ids, milliseconds
var epoch = uint64(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano() / int64(time.Millisecond))

// Bus wraps the event bus. Handlers run synchronously in the emitter's
// goroutine, and emit failures are only logged.
type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func NewBus(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epoch)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(Topics...)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return o, nil
}

func (o *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if o == nil {
		return
	}
	err := o.b.Emit(ctx, topic, data)
	if err != nil {
		o.log.Error().Err(err).Str("topic", topic).Msg("error emitting event")
	}
}

// Handle registers fn under key for topics matching the regular expression.
func (o *Bus) Handle(key, matcher string, fn func(ctx context.Context, e Event)) {
	o.b.RegisterHandler(key, bus.Handler{Handle: fn, Matcher: matcher})
}

func (o *Bus) Unhandle(key string) {
	o.b.DeregisterHandler(key)
}

// AuditLog logs every event at debug level.
func (o *Bus) AuditLog() {
	o.Handle("audit-log", ".*", func(ctx context.Context, e Event) {
		o.log.Debug().Str("event_id", e.ID).Str("topic", e.Topic).Time("occurred_at", e.OccurredAt).Interface("data", e.Data).Msg("")
	})
}
