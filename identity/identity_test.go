package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id, ok := New("user", 2)
	assert.True(t, ok)
	assert.Equal(t, User(2), id)

	id, ok = New("admin", 1)
	assert.True(t, ok)
	assert.Equal(t, Admin(1), id)

	for _, c := range []struct {
		kind string
		id   int64
	}{
		{"", 1},
		{"guest", 1},
		{"USER", 1},
		{"user", 0},
		{"admin", -3},
	} {
		_, ok := New(c.kind, c.id)
		assert.False(t, ok, "%s/%d", c.kind, c.id)
	}
}

func TestRoom(t *testing.T) {
	assert.Equal(t, "user_2", User(2).Room())
	assert.Equal(t, "admin_15", Admin(15).Room())
}

func TestEquality(t *testing.T) {
	assert.True(t, User(1) == User(1))
	assert.False(t, User(1) == Admin(1))
	assert.Equal(t, KindAdmin, KindUser.Opposite())
	assert.Equal(t, KindUser, KindAdmin.Opposite())
	assert.False(t, Identity{}.Valid())
}
