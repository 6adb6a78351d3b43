package identity

import "strconv"

// Kind is the actor kind of an identity.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

// ParseKind returns the kind for s, or false when s names no known kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindUser:
		return KindUser, true
	case KindAdmin:
		return KindAdmin, true
	}
	return "", false
}

// Opposite returns the counterpart kind: user <-> admin.
func (k Kind) Opposite() Kind {
	if k == KindAdmin {
		return KindUser
	}
	return KindAdmin
}

// Identity is a declared actor: a kind and a positive id.
// Two identities are equal iff kind and id match, so Identity is usable as a map key.
type Identity struct {
	Kind Kind  `json:"type"`
	ID   int64 `json:"id"`
}

// New returns the identity for kind and id, or false when either is not usable.
func New(kind string, id int64) (Identity, bool) {
	k, ok := ParseKind(kind)
	if !ok || id <= 0 {
		return Identity{}, false
	}
	return Identity{Kind: k, ID: id}, true
}

func User(id int64) Identity  { return Identity{Kind: KindUser, ID: id} }
func Admin(id int64) Identity { return Identity{Kind: KindAdmin, ID: id} }

// Valid reports whether both kind and id are known.
func (i Identity) Valid() bool {
	_, ok := ParseKind(string(i.Kind))
	return ok && i.ID > 0
}

func (i Identity) IsUser() bool  { return i.Kind == KindUser }
func (i Identity) IsAdmin() bool { return i.Kind == KindAdmin }

// Room returns the room name `{kind}_{id}`.
func (i Identity) Room() string {
	return string(i.Kind) + "_" + strconv.FormatInt(i.ID, 10)
}

func (i Identity) String() string {
	return i.Room()
}
