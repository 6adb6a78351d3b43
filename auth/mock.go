package auth

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/msgrelay/msgrelay/identity"
)

// MockClient trusts the `x-kind` and `x-id` cookies. For development only.
type MockClient struct{}

func (c *MockClient) Auth(r *http.Request) (identity.Identity, error) {
	var kindStr, idStr string

	if c, err := r.Cookie("x-kind"); err == nil {
		kindStr = c.Value
	}
	if c, err := r.Cookie("x-id"); err == nil {
		idStr = c.Value
	}

	if kindStr == "" || idStr == "" {
		return identity.Identity{}, fmt.Errorf("empty x-kind or x-id from cookie: %w", ErrUnauthenticated)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("error parse x-id as integer: %v: %w", err, ErrUnauthenticated)
	}
	out, ok := identity.New(kindStr, id)
	if !ok {
		return identity.Identity{}, fmt.Errorf("invalid identity %s_%d: %w", kindStr, id, ErrUnauthenticated)
	}
	return out, nil
}
