package store

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/msgrelay/msgrelay/identity"
)

// Field is an addressing column usable in a Filter.
type Field string

const (
	FromUserID  Field = "from_user_id"
	FromAdminID Field = "from_admin_id"
	ToUserID    Field = "to_user_id"
	ToAdminID   Field = "to_admin_id"
)

func (f Field) valid() bool {
	switch f {
	case FromUserID, FromAdminID, ToUserID, ToAdminID:
		return true
	}
	return false
}

// Clause is a conjunction of field equalities.
type Clause map[Field]int64

// Filter is a disjunction of clauses: a message matches if any clause matches.
type Filter []Clause

// FromField returns the sender column for the kind of id.
func FromField(id identity.Identity) Field {
	if id.IsAdmin() {
		return FromAdminID
	}
	return FromUserID
}

// ToField returns the receiver column for the kind of id.
func ToField(id identity.Identity) Field {
	if id.IsAdmin() {
		return ToAdminID
	}
	return ToUserID
}

// Involving matches every message sent or received by id.
func Involving(id identity.Identity) Filter {
	return Filter{
		{FromField(id): id.ID},
		{ToField(id): id.ID},
	}
}

// Between matches the conversation between a user and an admin, both directions.
func Between(user, admin identity.Identity) Filter {
	return Filter{
		{FromUserID: user.ID, ToAdminID: admin.ID},
		{FromAdminID: admin.ID, ToUserID: user.ID},
	}
}

// Validate rejects empty filters, empty clauses and unknown fields.
func (f Filter) Validate() error {
	if len(f) == 0 {
		return fmt.Errorf("%w: no clause", ErrInvalidFilter)
	}
	for i, c := range f {
		if len(c) == 0 {
			return fmt.Errorf("%w: clause %d is empty", ErrInvalidFilter, i)
		}
		for field := range c {
			if !field.valid() {
				return fmt.Errorf("%w: unknown field `%s`", ErrInvalidFilter, field)
			}
		}
	}
	return nil
}

// Match evaluates the filter against m.
func (f Filter) Match(m *Message) bool {
	r := m.toRow()
	for _, c := range f {
		if c.match(r) {
			return true
		}
	}
	return false
}

func (c Clause) match(r *row) bool {
	for field, want := range c {
		if got, ok := r.column(field); !ok || got != want {
			return false
		}
	}
	return true
}

// where compiles the filter into a SQL condition. placeholder returns the
// bind marker for the n-th argument, 1-based.
func (f Filter) where(placeholder func(n int) string) (string, []interface{}) {
	var args []interface{}
	clauses := make([]string, 0, len(f))
	for _, c := range f {
		fields := make([]string, 0, len(c))
		for field := range c {
			fields = append(fields, string(field))
		}
		sort.Strings(fields)

		conds := make([]string, 0, len(fields))
		for _, field := range fields {
			args = append(args, c[Field(field)])
			conds = append(conds, fmt.Sprintf("%s = %s", field, placeholder(len(args))))
		}
		clauses = append(clauses, "("+strings.Join(conds, " AND ")+")")
	}
	return strings.Join(clauses, " OR "), args
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// pageBounds converts a 1-based page into offset and limit.
func pageBounds(page, pageSize int) (offset, limit int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	} else if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	// saturate instead of wrapping into a negative offset
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt, pageSize
	}
	return (page - 1) * pageSize, pageSize
}
