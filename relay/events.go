package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/store"
)

// Event names on the push channel.
const (
	EventIdentify  = "identify"
	EventPrivate   = "message:private"
	EventReceive   = "message:receive"
	EventAggregate = "admin:users:update"
	EventError     = "error"
)

// Frame is the envelope of every push channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals data into a frame of the given event.
func EncodeFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{Event: event, Data: raw})
}

// MalformedEvent is a declare or send event missing required addressing fields.
type MalformedEvent struct {
	Event  string
	Reason string
}

func (e *MalformedEvent) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Event, e.Reason)
}

func IsMalformed(err error) bool {
	var me *MalformedEvent
	return errors.As(err, &me)
}

// DeclareEvent is the payload of `identify`.
type DeclareEvent struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Identity validates the declaration.
func (e *DeclareEvent) Identity() (identity.Identity, error) {
	id, ok := identity.New(e.Type, e.ID)
	if !ok {
		return identity.Identity{}, &MalformedEvent{Event: EventIdentify,
			Reason: fmt.Sprintf("type %q, id %d", e.Type, e.ID)}
	}
	return id, nil
}

// SendRequest is the payload of a send, over HTTP or `message:private`.
type SendRequest struct {
	FromType string `json:"fromType,omitempty"`
	FromID   int64  `json:"fromId,omitempty"`
	ToType   string `json:"toType"`
	ToID     int64  `json:"toId"`
	Message  string `json:"message"`
	Subject  string `json:"subject,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`

	// IP is filled by the transport, never decoded from the payload.
	IP string `json:"-"`
}

// Sender returns the sender identity, false when fromType/fromId are absent or invalid.
func (r *SendRequest) Sender() (identity.Identity, bool) {
	return identity.New(r.FromType, r.FromID)
}

// Receiver validates the receiver fields.
func (r *SendRequest) Receiver() (identity.Identity, error) {
	id, ok := identity.New(r.ToType, r.ToID)
	if !ok {
		return identity.Identity{}, &MalformedEvent{Event: EventPrivate,
			Reason: fmt.Sprintf("receiver: toType %q, toId %d", r.ToType, r.ToID)}
	}
	return id, nil
}

func (r *SendRequest) attrs(to identity.Identity) *store.Attrs {
	from := store.Unknown
	if id, ok := r.Sender(); ok {
		from = store.PartyOf(id)
	}
	return &store.Attrs{
		From:    from,
		To:      to,
		Message: r.Message,
		Subject: strings.TrimSpace(r.Subject),
		Name:    strings.TrimSpace(r.Name),
		Email:   strings.TrimSpace(r.Email),
		Phone:   strings.TrimSpace(r.Phone),
		IP:      r.IP,
	}
}

// Delivery is the payload of `message:receive`.
type Delivery struct {
	ID        int64     `json:"id,omitempty"`
	FromType  string    `json:"fromType"`
	FromID    int64     `json:"fromId"`
	Message   string    `json:"message"`
	Subject   string    `json:"subject,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// AggregateUpdate is the payload of `admin:users:update`.
type AggregateUpdate struct {
	IdentityType string `json:"identityType"`
	IdentityID   int64  `json:"identityId"`
	MessageCount int64  `json:"messageCount"`
	DisplayName  string `json:"displayName"`
}

// ErrorPayload is the payload of `error`.
type ErrorPayload struct {
	Code   int      `json:"code"`
	Params []string `json:"params,omitempty"`
}

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeUnimplemented    = 12
	ErrorCodeInternal         = 13
)
