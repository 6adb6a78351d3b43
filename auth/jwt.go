package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/msgrelay/msgrelay/identity"
)

// Claims carry the identity issued by the external auth service.
// The subject is the numeric id.
type Claims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// JWTClient verifies HS256 tokens from the Authorization header, or from the
// `token` query parameter for websocket upgrades.
type JWTClient struct {
	secret []byte
}

func NewJWTClient(secret string) *JWTClient {
	return &JWTClient{secret: []byte(secret)}
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token := strings.TrimPrefix(h, "Bearer "); token != h {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (c *JWTClient) Auth(r *http.Request) (identity.Identity, error) {
	tokenString := bearer(r)
	if tokenString == "" {
		return identity.Identity{}, fmt.Errorf("missing bearer token: %w", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return identity.Identity{}, fmt.Errorf("invalid or expired token: %v: %w", err, ErrUnauthenticated)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("invalid subject %q: %w", claims.Subject, ErrUnauthenticated)
	}
	out, ok := identity.New(claims.Kind, id)
	if !ok {
		return identity.Identity{}, fmt.Errorf("invalid identity %s_%d: %w", claims.Kind, id, ErrUnauthenticated)
	}
	return out, nil
}

// Sign issues a token for id, used by the demo client and tests.
func (c *JWTClient) Sign(id identity.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Kind: string(id.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "msgrelay",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}
