package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgrelay/msgrelay/identity"
)

func newTestBolt(t *testing.T) *BoltStore {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltCreate(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()

	m, err := s.Create(ctx, &Attrs{
		From:    PartyOf(identity.Admin(1)),
		To:      identity.User(2),
		Message: "hello",
		Name:    "Admin",
		IP:      "127.0.0.1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.False(t, m.Read)

	orphan, err := s.Create(ctx, &Attrs{To: identity.Admin(1), Message: "who am i"})
	require.NoError(t, err)
	assert.True(t, orphan.Orphan())
	assert.EqualValues(t, 2, orphan.ID)

	_, err = s.Create(ctx, &Attrs{From: PartyOf(identity.User(2)), Message: "nowhere"})
	assert.True(t, errors.Is(err, ErrNoReceiver))
}

func TestBoltSearchAndCount(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()

	user, admin := identity.User(2), identity.Admin(1)
	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, &Attrs{From: PartyOf(user), To: admin, Message: "u"})
		require.NoError(t, err)
		_, err = s.Create(ctx, &Attrs{From: PartyOf(admin), To: user, Message: "a"})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, &Attrs{From: PartyOf(identity.User(3)), To: admin, Message: "other"})
	require.NoError(t, err)
	_, err = s.Create(ctx, &Attrs{To: admin, Message: "orphan"})
	require.NoError(t, err)

	all, err := s.Search(ctx, Between(user, admin), 1, 100)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].ID, all[i].ID, "newest first")
	}

	page2, err := s.Search(ctx, Between(user, admin), 2, 4)
	require.NoError(t, err)
	assert.Len(t, page2, 4)
	assert.Equal(t, all[4].ID, page2[0].ID)

	n, err := s.CountWhere(ctx, Involving(admin))
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)

	n, err = s.CountWhere(ctx, Involving(user))
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	_, err = s.Search(ctx, Filter{}, 1, 10)
	assert.True(t, errors.Is(err, ErrInvalidFilter))

	far, err := s.Search(ctx, Involving(user), math.MaxInt/50, 100)
	require.NoError(t, err)
	assert.Empty(t, far)
}

func TestBoltScanCancelled(t *testing.T) {
	s := newTestBolt(t)
	user, admin := identity.User(2), identity.Admin(1)
	_, err := s.Create(context.Background(), &Attrs{From: PartyOf(user), To: admin, Message: "u"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Search(ctx, Involving(user), 1, 10)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))

	_, err = s.CountWhere(ctx, Involving(user))
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)

	_, err = s.CountUnread(ctx, admin)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
}

func TestBoltMarkRead(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()

	m, err := s.Create(ctx, &Attrs{From: PartyOf(identity.Admin(1)), To: identity.User(2), Message: "x"})
	require.NoError(t, err)

	n, err := s.CountUnread(ctx, identity.User(2))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.MarkRead(ctx, m.ID, identity.Admin(1))
	assert.True(t, errors.Is(err, ErrNotFound), "sender can not mark read")

	changed, err := s.MarkRead(ctx, m.ID, identity.User(2))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkRead(ctx, m.ID, identity.User(2))
	require.NoError(t, err)
	assert.False(t, changed)

	n, err = s.CountUnread(ctx, identity.User(2))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = s.MarkRead(ctx, 999, identity.User(2))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoltConcurrentCreate(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()

	const N = 20
	var wg sync.WaitGroup
	ids := make(chan int64, 2*N)
	for _, from := range []identity.Identity{identity.User(1), identity.User(2)} {
		wg.Add(1)
		go func(from identity.Identity) {
			defer wg.Done()
			for i := 0; i < N; i++ {
				m, err := s.Create(ctx, &Attrs{From: PartyOf(from), To: identity.Admin(1), Message: "m"})
				if assert.NoError(t, err) {
					ids <- m.ID
				}
			}
		}(from)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 2*N)
}

func TestBoltCreatedAt(t *testing.T) {
	s := newTestBolt(t)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	m, err := s.Create(context.Background(), &Attrs{From: PartyOf(identity.User(1)), To: identity.Admin(1)})
	require.NoError(t, err)
	assert.True(t, fixed.Equal(m.CreatedAt))

	got, err := s.Search(context.Background(), Involving(identity.User(1)), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, fixed.Equal(got[0].CreatedAt))
}
