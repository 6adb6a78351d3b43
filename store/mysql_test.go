package store

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgrelay/msgrelay/identity"
)

// e.g. MSGRELAY_TEST_MYSQL_DSN="root:@tcp(127.0.0.1:3306)/msgrelay_test?parseTime=true&charset=utf8mb4"
func newTestMySQL(t *testing.T) *MySQLStore {
	dsn := os.Getenv("MSGRELAY_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MSGRELAY_TEST_MYSQL_DSN is not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewMySQLStore(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	_, err = db.Exec("DELETE FROM messages")
	require.NoError(t, err)
	return s
}

func TestMySQLRoundTrip(t *testing.T) {
	s := newTestMySQL(t)
	ctx := context.Background()

	user, admin := identity.User(2), identity.Admin(1)
	m, err := s.Create(ctx, &Attrs{From: PartyOf(admin), To: user, Message: "hello", Subject: "hi", Name: "Admin"})
	require.NoError(t, err)
	assert.Positive(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, "hi", m.Subject)
	assert.Equal(t, PartyOf(admin), m.From)

	_, err = s.Create(ctx, &Attrs{To: admin, Message: "orphan"})
	require.NoError(t, err)

	got, err := s.Search(ctx, Between(user, admin), 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)

	n, err := s.CountWhere(ctx, Involving(admin))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	changed, err := s.MarkRead(ctx, m.ID, user)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.MarkRead(ctx, m.ID, identity.User(3))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMySQLConcurrentCreate(t *testing.T) {
	s := newTestMySQL(t)

	const N = 50
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(context.Background(), &Attrs{
				From: PartyOf(identity.User(int64(i%3 + 1))), To: identity.Admin(1), Message: "m",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := s.CountWhere(context.Background(), Involving(identity.Admin(1)))
	require.NoError(t, err)
	assert.EqualValues(t, N, n)
}
