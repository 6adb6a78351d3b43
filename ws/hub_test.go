package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgrelay/msgrelay/auth"
	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/relay"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

type testEnv struct {
	hub     *Hub
	dir     *room.Directory
	service *relay.Service
	server  *httptest.Server
	url     string
}

func newTestEnv(t *testing.T, conf *Conf, authClient auth.Client) *testEnv {
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	dir := room.NewDirectory()
	svc := relay.NewService(s, dir, nil)
	hub := NewHub(conf, room.NewRegistry(dir), svc, authClient)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	return &testEnv{
		hub:     hub,
		dir:     dir,
		service: svc,
		server:  server,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	frame, err := relay.EncodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f relay.Frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

// readEvent skips frames of other events.
func readEvent(t *testing.T, conn *websocket.Conn, event string) relay.Frame {
	for {
		if f := readFrame(t, conn); f.Event == event {
			return f
		}
	}
}

func (e *testEnv) waitMembers(t *testing.T, room string, n int) {
	assert.Eventually(t, func() bool {
		got, _ := e.dir.MembersOf(room)
		return got == n
	}, 3*time.Second, 10*time.Millisecond, "room %s", room)
}

func TestIdentifyThenReceive(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	admin := e.dial(t)
	writeEvent(t, admin, relay.EventIdentify, &relay.DeclareEvent{Type: "admin", ID: 1})
	e.waitMembers(t, "admin_1", 1)

	m, err := e.service.Send(context.Background(), &relay.SendRequest{
		FromType: "user", FromID: 2, ToType: "admin", ToID: 1, Message: "hello", Name: "Alice",
	})
	require.NoError(t, err)

	f := readEvent(t, admin, relay.EventReceive)
	var d relay.Delivery
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.Equal(t, m.ID, d.ID)
	assert.Equal(t, "user", d.FromType)
	assert.EqualValues(t, 2, d.FromID)
	assert.Equal(t, "hello", d.Message)

	f = readEvent(t, admin, relay.EventAggregate)
	var a relay.AggregateUpdate
	require.NoError(t, json.Unmarshal(f.Data, &a))
	assert.EqualValues(t, 2, a.IdentityID)
	assert.EqualValues(t, 1, a.MessageCount)
	assert.Equal(t, "Alice", a.DisplayName)
}

func TestMalformedIdentifyIgnored(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	writeEvent(t, conn, relay.EventIdentify, map[string]interface{}{"type": "admin"})
	writeEvent(t, conn, relay.EventIdentify, map[string]interface{}{"id": 3})
	writeEvent(t, conn, relay.EventIdentify, &relay.DeclareEvent{Type: "user", ID: 3})

	e.waitMembers(t, "user_3", 1)
	assert.Equal(t, []room.RoomInfo{{Room: "user_3", Size: 1}}, e.dir.Rooms())
}

func TestCloseLeavesRooms(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	writeEvent(t, conn, relay.EventIdentify, &relay.DeclareEvent{Type: "user", ID: 2})
	e.waitMembers(t, "user_2", 1)
	assert.Equal(t, 1, e.hub.Count())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, ok := e.dir.MembersOf("user_2")
		return !ok && e.hub.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// stored, delivered to nobody
	m, err := e.service.Send(context.Background(), &relay.SendRequest{
		FromType: "admin", FromID: 1, ToType: "user", ToID: 2, Message: "gone",
	})
	require.NoError(t, err)
	assert.False(t, m.Read)
}

func TestPrivateDisabled(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	writeEvent(t, conn, relay.EventPrivate, &relay.SendRequest{
		FromType: "user", FromID: 2, ToType: "admin", ToID: 1, Message: "hi",
	})

	f := readFrame(t, conn)
	assert.Equal(t, relay.EventError, f.Event)
	var p relay.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, relay.ErrorCodeUnimplemented, p.Code)
}

func TestPrivateForward(t *testing.T) {
	e := newTestEnv(t, &Conf{EnableForward: true}, nil)
	admin, user := e.dial(t), e.dial(t)
	writeEvent(t, admin, relay.EventIdentify, &relay.DeclareEvent{Type: "admin", ID: 1})
	writeEvent(t, user, relay.EventIdentify, &relay.DeclareEvent{Type: "user", ID: 2})
	e.waitMembers(t, "admin_1", 1)
	e.waitMembers(t, "user_2", 1)

	// dropped: no sender
	writeEvent(t, user, relay.EventPrivate, &relay.SendRequest{ToType: "admin", ToID: 1, Message: "anon"})
	writeEvent(t, user, relay.EventPrivate, &relay.SendRequest{
		FromType: "user", FromID: 2, ToType: "admin", ToID: 1, Message: "live",
	})

	f := readEvent(t, admin, relay.EventReceive)
	var d relay.Delivery
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.Equal(t, "live", d.Message)
	assert.Zero(t, d.ID)
}

func TestBadFrameClosesConnection(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	f := readFrame(t, conn)
	assert.Equal(t, relay.EventError, f.Event)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestUnsupportedEvent(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	writeEvent(t, conn, "room:join", map[string]string{"room": "admin_1"})

	f := readFrame(t, conn)
	assert.Equal(t, relay.EventError, f.Event)
	var p relay.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, relay.ErrorCodeInvalidArguments, p.Code)
	assert.Equal(t, []string{"unsupported event", "room:join"}, p.Params)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, nil, &auth.MockClient{})

	_, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Cookie", "x-kind=user; x-id=2")
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestRunClosesConnections(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	conn := e.dial(t)
	writeEvent(t, conn, relay.EventIdentify, &relay.DeclareEvent{Type: "admin", ID: 1})
	e.waitMembers(t, "admin_1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, e.hub.Count())
	assert.Empty(t, e.dir.Rooms())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)

	_, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", getRemoteIP(r, true))

	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.2", getRemoteIP(r, true))

	r.Header.Set("X-Real-IP", "10.9.9.9")
	assert.Equal(t, "10.9.9.9", getRemoteIP(r, true))

	// headers are client controlled without a proxy in front
	assert.Equal(t, "192.0.2.1", getRemoteIP(r, false))
}

func TestRegisterWhileDraining(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	live := &Handler{hub: e.hub, session: &Session{Sid: "s1"}, dataChan: make(chan []byte, 1)}
	assert.True(t, e.hub.register(live))
	assert.Equal(t, 1, e.hub.Count())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.hub.Run(ctx)
	assert.Equal(t, 0, e.hub.Count())

	// upgraded before Run, registered after it
	late := &Handler{hub: e.hub, session: &Session{Sid: "s2"}, dataChan: make(chan []byte, 1)}
	assert.False(t, e.hub.register(late))
	assert.Equal(t, 0, e.hub.Count())
	assert.True(t, late.isClosing())
	assert.False(t, late.Deliver([]byte("a")))
}

func TestDeliverAfterCloseIsDropped(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	h := &Handler{
		hub:      e.hub,
		session:  &Session{Sid: "s1"},
		dataChan: make(chan []byte, 1),
	}
	e.hub.addHandler(h)
	assert.True(t, e.hub.registry.Declare(h, identity.User(9)))

	assert.True(t, h.Deliver([]byte("a")))
	assert.False(t, h.Deliver([]byte("b")), "buffer full")

	h.close(ServerStop)
	assert.False(t, h.Deliver([]byte("c")))
	_, ok := e.dir.MembersOf("user_9")
	assert.False(t, ok)
	assert.Equal(t, 0, e.hub.Count())
}
