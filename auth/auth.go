package auth

import (
	"errors"
	"net/http"

	"github.com/msgrelay/msgrelay/identity"
)

// ErrUnauthenticated is returned when a request carries no usable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

type Client interface {
	// Auth authenticates the caller and returns its identity.
	Auth(r *http.Request) (identity.Identity, error)
}
