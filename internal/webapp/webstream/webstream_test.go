package webstream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/store/impl/memstore"
	"nuha.dev/locwatch/internal/tracking"
)

type fixture struct {
	core *tracking.Core
	auth *auth.Service
	srv  *httptest.Server
	ws   *WebstreamServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := memstore.NewDirectory()
	f := &fixture{}
	f.core = tracking.New(dir, memstore.NewLocations(), nil)
	f.auth = auth.New(dir, memstore.NewSessions(), auth.Config{})
	ws, err := NewWebstream(f.core, f.auth, WebStreamConfig{IdSalt: "test"})
	require.NoError(t, err)
	f.ws = ws
	f.srv = httptest.NewServer(ws)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) user(t *testing.T, email string, role identity.Role) (identity.ID, string) {
	t.Helper()
	ctx := context.Background()
	u, err := f.auth.Register(ctx, email, "secret1", role)
	require.NoError(t, err)
	sess, err := f.auth.Login(ctx, email, "secret1")
	require.NoError(t, err)
	return u.ID, sess.Token
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(token)))
	return c
}

func read(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	return ev
}

func TestStreamFollowUnfollow(t *testing.T) {
	f := newFixture(t)
	a, _ := f.user(t, "a@example.com", identity.Trackable)
	_, bTok := f.user(t, "b@example.com", identity.Watcher)
	ctx := context.Background()

	c := f.dial(t, bTok)
	ready := read(t, c)
	require.Equal(t, CReady, ready["type"])
	require.NotEmpty(t, ready["conn"])

	require.NoError(t, wsjson.Write(ctx, c, Intent{Action: CFollow, TrackableId: a.String()}))
	ev := read(t, c)
	require.Equal(t, CFollowing, ev["type"])
	require.Equal(t, []interface{}{a.String()}, ev["following"])

	_, err := f.core.UpdateLocation(ctx, a, 10, 20)
	require.NoError(t, err)
	ev = read(t, c)
	require.Equal(t, CLocationChanged, ev["type"])
	require.Equal(t, a.String(), ev["trackable_id"])
	require.Equal(t, 10.0, ev["latitude"])
	require.Equal(t, 20.0, ev["longitude"])
	require.NotEmpty(t, ev["timestamp"])

	require.NoError(t, wsjson.Write(ctx, c, Intent{Action: CUnfollow, TrackableId: a.String()}))
	ev = read(t, c)
	require.Equal(t, CFollowing, ev["type"])
	require.Nil(t, ev["following"])

	_, err = f.core.UpdateLocation(ctx, a, 11, 21)
	require.NoError(t, err)
	// nothing more is queued for this connection
	require.NoError(t, wsjson.Write(ctx, c, Intent{Action: CUnfollow, TrackableId: a.String()}))
	ev = read(t, c)
	require.Equal(t, CError, ev["type"])
}

func TestStreamRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "nope")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamBadIntentKeepsConnection(t *testing.T) {
	f := newFixture(t)
	_, bTok := f.user(t, "b@example.com", identity.Watcher)
	ctx := context.Background()
	c := f.dial(t, bTok)
	read(t, c)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	require.Equal(t, CError, read(t, c)["type"])
	require.NoError(t, wsjson.Write(ctx, c, Intent{Action: "jump", TrackableId: identity.NewID().String()}))
	require.Equal(t, CError, read(t, c)["type"])
	require.NoError(t, wsjson.Write(ctx, c, Intent{Action: CFollow, TrackableId: identity.NewID().String()}))
	ev := read(t, c)
	require.Equal(t, CError, ev["type"])
	require.Contains(t, ev["message"], "not found")
}

func TestDisconnectDetaches(t *testing.T) {
	f := newFixture(t)
	a, _ := f.user(t, "a@example.com", identity.Trackable)
	_, bTok := f.user(t, "b@example.com", identity.Watcher)
	c := f.dial(t, bTok)
	read(t, c)
	require.NoError(t, wsjson.Write(context.Background(), c, Intent{Action: CFollow, TrackableId: a.String()}))
	read(t, c)

	conns, _, _ := f.core.Stat()
	require.Equal(t, 1, conns)
	c.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		conns, _, _ := f.core.Stat()
		return conns == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPushFullBufferStopsClient(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	wc := &WebstreamClient{id: "x", out: make(chan []byte, 1), ctx: ctx, stop: stop}
	rec := location.Record{TrackableID: identity.NewID(), Latitude: 1, Longitude: 1}

	require.NoError(t, wc.Push(rec))
	require.ErrorIs(t, wc.Push(rec), ErrSlowConsumer)
	require.Error(t, ctx.Err())
	require.Error(t, wc.Push(rec))
}

func TestConnIdsAreDistinct(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := string(f.ws.nextID())
		require.False(t, seen[id])
		require.GreaterOrEqual(t, len(id), 8)
		seen[id] = true
	}
}
