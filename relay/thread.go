package relay

import (
	"context"
	"fmt"
	"sort"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/store"
)

// Assembler builds conversation views from the store. Nothing is cached:
// every call reads the ledger.
type Assembler struct {
	store store.IMessageStore
}

func NewAssembler(s store.IMessageStore) *Assembler {
	return &Assembler{store: s}
}

// Thread returns the messages between user and admin, oldest first.
func (a *Assembler) Thread(ctx context.Context, user, admin identity.Identity, page, pageSize int) ([]*store.Message, error) {
	if !user.Valid() || !user.IsUser() {
		return nil, &MalformedEvent{Event: "thread", Reason: fmt.Sprintf("not a user: %+v", user)}
	}
	if !admin.Valid() || !admin.IsAdmin() {
		return nil, &MalformedEvent{Event: "thread", Reason: fmt.Sprintf("not an admin: %+v", admin)}
	}
	return a.search(ctx, store.Between(user, admin), page, pageSize)
}

// Inbox returns every message sent or received by self, oldest first.
func (a *Assembler) Inbox(ctx context.Context, self identity.Identity, page, pageSize int) ([]*store.Message, error) {
	if !self.Valid() {
		return nil, &MalformedEvent{Event: "inbox", Reason: fmt.Sprintf("invalid identity: %+v", self)}
	}
	return a.search(ctx, store.Involving(self), page, pageSize)
}

func (a *Assembler) search(ctx context.Context, filter store.Filter, page, pageSize int) ([]*store.Message, error) {
	msgs, err := a.store.Search(ctx, filter, page, pageSize)
	if err != nil {
		return nil, err
	}
	SortByTime(msgs)
	return msgs, nil
}

// SortByTime orders msgs by created_at ascending, ties by id.
func SortByTime(msgs []*store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
