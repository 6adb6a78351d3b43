package store

import (
	"context"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
)

//go:generate mockgen -destination=mock/mock_store.go -package=mock github.com/msgrelay/msgrelay/store IMessageStore

// IMessageStore is the append-only message ledger.
// Backend failures are returned as *PersistenceError.
type IMessageStore interface {
	// Create assigns id and created_at and commits the message before returning it.
	// Orphan attrs (unknown sender) are stored with a warning.
	Create(ctx context.Context, attrs *Attrs) (*Message, error)

	// Search returns one page of messages matching filter, newest id first.
	// Callers needing time order must sort.
	Search(ctx context.Context, filter Filter, page, pageSize int) ([]*Message, error)

	// CountWhere counts messages matching filter.
	CountWhere(ctx context.Context, filter Filter) (int64, error)

	// CountUnread counts unread messages received by id.
	CountUnread(ctx context.Context, id identity.Identity) (int64, error)

	// MarkRead sets the message as read on behalf of its receiver.
	// Returns false when it was already read; ErrNotFound when reader is not the receiver.
	MarkRead(ctx context.Context, msgID int64, reader identity.Identity) (bool, error)

	Close() error
}

func validateAttrs(attrs *Attrs) error {
	if !attrs.To.Valid() {
		return ErrNoReceiver
	}
	if !attrs.From.Known {
		glog.Warningf("storing orphan message without sender, to: %s, name: %q, ip: %s", attrs.To, attrs.Name, attrs.IP)
	}
	return nil
}
