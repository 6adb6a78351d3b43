package relay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

type fakeMember struct {
	sync.Mutex
	id     string
	full   bool
	frames []Frame
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Deliver(frame []byte) bool {
	f.Lock()
	defer f.Unlock()
	if f.full {
		return false
	}
	var v Frame
	if err := json.Unmarshal(frame, &v); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, v)
	return true
}

func (f *fakeMember) events(event string) []Frame {
	f.Lock()
	defer f.Unlock()
	var out []Frame
	for _, v := range f.frames {
		if v.Event == event {
			out = append(out, v)
		}
	}
	return out
}

func decodeDelivery(t *testing.T, f Frame) *Delivery {
	var d Delivery
	require.NoError(t, json.Unmarshal(f.Data, &d))
	return &d
}

func decodeAggregate(t *testing.T, f Frame) *AggregateUpdate {
	var a AggregateUpdate
	require.NoError(t, json.Unmarshal(f.Data, &a))
	return &a
}

func newTestBolt(t *testing.T) *store.BoltStore {
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRouteDeliversToRoomMembers(t *testing.T) {
	dir := room.NewDirectory()
	a1, a2 := &fakeMember{id: "a1"}, &fakeMember{id: "a2"}
	other := &fakeMember{id: "u"}
	dir.Join("admin_1", a1)
	dir.Join("admin_1", a2)
	dir.Join("user_2", other)

	m := &store.Message{
		ID:        7,
		From:      store.PartyOf(identity.User(2)),
		To:        store.PartyOf(identity.Admin(1)),
		Message:   "hi",
		Name:      "Alice",
		Email:     "alice@example.com",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	n, err := NewRouter(dir).Route(m, identity.User(2), identity.Admin(1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, member := range []*fakeMember{a1, a2} {
		got := member.events(EventReceive)
		require.Len(t, got, 1)
		d := decodeDelivery(t, got[0])
		assert.EqualValues(t, 7, d.ID)
		assert.Equal(t, "user", d.FromType)
		assert.EqualValues(t, 2, d.FromID)
		assert.Equal(t, "hi", d.Message)
		assert.Equal(t, "Alice", d.Name)
		assert.True(t, m.CreatedAt.Equal(d.CreatedAt))
	}
	assert.Empty(t, other.frames)
}

func TestRouteEmptyRoomIsNotError(t *testing.T) {
	n, err := NewRouter(room.NewDirectory()).Route(&store.Message{ID: 1, Message: "x"},
		identity.User(2), identity.Admin(1))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRouteRejectsMissingAddress(t *testing.T) {
	r := NewRouter(room.NewDirectory())

	_, err := r.Route(&store.Message{}, identity.Identity{}, identity.Admin(1))
	assert.True(t, IsMalformed(err))

	_, err = r.Route(&store.Message{}, identity.User(2), identity.Identity{})
	assert.True(t, IsMalformed(err))
}

func TestRouteSkipsFullMember(t *testing.T) {
	dir := room.NewDirectory()
	ok, full := &fakeMember{id: "ok"}, &fakeMember{id: "full", full: true}
	dir.Join("user_2", ok)
	dir.Join("user_2", full)

	n, err := NewRouter(dir).Route(&store.Message{ID: 1}, identity.Admin(1), identity.User(2))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ok.events(EventReceive), 1)
}

func TestSortByTime(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []*store.Message{
		{ID: 4, CreatedAt: t0.Add(time.Minute)},
		{ID: 3, CreatedAt: t0},
		{ID: 2, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: 1, CreatedAt: t0},
	}
	SortByTime(msgs)

	var ids []int64
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 3, 4, 2}, ids)
}

func TestThreadValidatesKinds(t *testing.T) {
	a := NewAssembler(newTestBolt(t))
	ctx := context.Background()

	_, err := a.Thread(ctx, identity.Admin(1), identity.Admin(2), 1, 10)
	assert.True(t, IsMalformed(err))
	_, err = a.Thread(ctx, identity.User(1), identity.User(2), 1, 10)
	assert.True(t, IsMalformed(err))
	_, err = a.Inbox(ctx, identity.Identity{}, 1, 10)
	assert.True(t, IsMalformed(err))
}

func TestThreadBothDirections(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()
	u2, a1, a9 := identity.User(2), identity.Admin(1), identity.Admin(9)

	create := func(from, to identity.Identity, text string) {
		_, err := s.Create(ctx, &store.Attrs{From: store.PartyOf(from), To: to, Message: text})
		require.NoError(t, err)
	}
	create(u2, a1, "question")
	create(a1, u2, "answer")
	create(u2, a9, "elsewhere")
	create(u2, a1, "thanks")

	msgs, err := NewAssembler(s).Thread(ctx, u2, a1, 1, 100)
	require.NoError(t, err)

	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Message)
	}
	assert.Equal(t, []string{"question", "answer", "thanks"}, texts)

	inbox, err := NewAssembler(s).Inbox(ctx, u2, 1, 100)
	require.NoError(t, err)
	assert.Len(t, inbox, 4)
	assert.Equal(t, "question", inbox[0].Message)
}

func TestSubject(t *testing.T) {
	cases := []struct {
		name string
		m    *store.Message
		want identity.Identity
		ok   bool
	}{
		{"user sends", &store.Message{From: store.PartyOf(identity.User(2)), To: store.PartyOf(identity.Admin(1))},
			identity.User(2), true},
		{"admin sends", &store.Message{From: store.PartyOf(identity.Admin(1)), To: store.PartyOf(identity.User(3))},
			identity.User(3), true},
		{"admin to admin", &store.Message{From: store.PartyOf(identity.Admin(1)), To: store.PartyOf(identity.Admin(4))},
			identity.Admin(4), true},
		{"orphan to admin", &store.Message{To: store.PartyOf(identity.Admin(4))}, identity.Admin(4), true},
		{"nothing known", &store.Message{}, identity.Identity{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Subject(c.m)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestRefreshBroadcastsToEveryone(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()
	dir := room.NewDirectory()
	admin, user, bystander := &fakeMember{id: "a"}, &fakeMember{id: "u"}, &fakeMember{id: "b"}
	dir.Join("admin_1", admin)
	dir.Join("user_2", user)
	dir.Join("user_8", bystander)

	var last *store.Message
	for i := 0; i < 3; i++ {
		m, err := s.Create(ctx, &store.Attrs{
			From: store.PartyOf(identity.User(2)), To: identity.Admin(1), Message: "m", Name: "Alice",
		})
		require.NoError(t, err)
		last = m
	}

	n, err := NewNotifier(s, dir).Refresh(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, member := range []*fakeMember{admin, user, bystander} {
		got := member.events(EventAggregate)
		require.Len(t, got, 1)
		a := decodeAggregate(t, got[0])
		assert.Equal(t, "user", a.IdentityType)
		assert.EqualValues(t, 2, a.IdentityID)
		assert.EqualValues(t, 3, a.MessageCount)
		assert.Equal(t, "Alice", a.DisplayName)
	}
}
