package store

import (
	"encoding/json"
	"time"

	"github.com/msgrelay/msgrelay/identity"
)

// Party is one end of a message. A party that is not Known is the
// `unknown` variant: the row carries neither `*_user_id` nor `*_admin_id`.
type Party struct {
	Known bool
	identity.Identity
}

// PartyOf returns a known party.
func PartyOf(id identity.Identity) Party {
	return Party{Known: true, Identity: id}
}

// Unknown is the party of an orphan message.
var Unknown = Party{}

// Message is a stored message. Only `Read` may change after creation.
type Message struct {
	ID        int64
	From      Party
	To        Party
	Message   string
	Subject   string
	Name      string
	Email     string
	Phone     string
	IP        string
	Read      bool
	CreatedAt time.Time
}

// Orphan reports whether the message can not be attributed to a sender.
func (m *Message) Orphan() bool {
	return !m.From.Known
}

// Attrs holds the caller supplied fields of a new message.
type Attrs struct {
	From    Party
	To      identity.Identity
	Message string
	Subject string
	Name    string
	Email   string
	Phone   string
	IP      string
}

// row is the column layout shared by every backend and the JSON encoding.
type row struct {
	ID          int64     `json:"id"`
	FromUserID  *int64    `json:"from_user_id"`
	FromAdminID *int64    `json:"from_admin_id"`
	ToUserID    *int64    `json:"to_user_id"`
	ToAdminID   *int64    `json:"to_admin_id"`
	Message     string    `json:"message"`
	Subject     *string   `json:"subject"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       *string   `json:"phone"`
	IP          string    `json:"ip"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

func splitParty(p Party) (user, admin *int64) {
	if !p.Known {
		return nil, nil
	}
	id := p.ID
	if p.IsAdmin() {
		return nil, &id
	}
	return &id, nil
}

func joinParty(user, admin *int64) Party {
	switch {
	case user != nil:
		return PartyOf(identity.User(*user))
	case admin != nil:
		return PartyOf(identity.Admin(*admin))
	}
	return Unknown
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *Message) toRow() *row {
	r := &row{
		ID:        m.ID,
		Message:   m.Message,
		Subject:   optional(m.Subject),
		Name:      m.Name,
		Email:     m.Email,
		Phone:     optional(m.Phone),
		IP:        m.IP,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
	r.FromUserID, r.FromAdminID = splitParty(m.From)
	r.ToUserID, r.ToAdminID = splitParty(m.To)
	return r
}

func (r *row) toMessage() *Message {
	return &Message{
		ID:        r.ID,
		From:      joinParty(r.FromUserID, r.FromAdminID),
		To:        joinParty(r.ToUserID, r.ToAdminID),
		Message:   r.Message,
		Subject:   deref(r.Subject),
		Name:      r.Name,
		Email:     r.Email,
		Phone:     deref(r.Phone),
		IP:        r.IP,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
}

// column returns the value of an addressing column, false when it is NULL.
func (r *row) column(f Field) (int64, bool) {
	var p *int64
	switch f {
	case FromUserID:
		p = r.FromUserID
	case FromAdminID:
		p = r.FromAdminID
	case ToUserID:
		p = r.ToUserID
	case ToAdminID:
		p = r.ToAdminID
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toRow())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*m = *r.toMessage()
	return nil
}
