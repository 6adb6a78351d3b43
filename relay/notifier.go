package relay

import (
	"context"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/metrics"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

// Notifier recomputes message counters after a send and broadcasts them to
// every live connection. The broadcast is not room scoped: admin summary
// views refresh whichever admin is looking.
type Notifier struct {
	store store.IMessageStore
	dir   *room.Directory
}

func NewNotifier(s store.IMessageStore, dir *room.Directory) *Notifier {
	return &Notifier{store: s, dir: dir}
}

// Subject returns the identity whose counter changes with m: the user side
// of the conversation, or the receiver when no user takes part.
func Subject(m *store.Message) (identity.Identity, bool) {
	switch {
	case m.From.Known && m.From.IsUser():
		return m.From.Identity, true
	case m.To.Known && m.To.IsUser():
		return m.To.Identity, true
	case m.To.Known:
		return m.To.Identity, true
	}
	return identity.Identity{}, false
}

// Refresh counts the messages involving the subject of m and broadcasts the
// update. It returns the number of connections that accepted the frame.
func (n *Notifier) Refresh(ctx context.Context, m *store.Message) (int, error) {
	subject, ok := Subject(m)
	if !ok {
		return 0, nil
	}

	count, err := n.store.CountWhere(ctx, store.Involving(subject))
	if err != nil {
		metrics.AggregateFailures.Inc()
		return 0, err
	}

	frame, err := EncodeFrame(EventAggregate, &AggregateUpdate{
		IdentityType: string(subject.Kind),
		IdentityID:   subject.ID,
		MessageCount: count,
		DisplayName:  m.Name,
	})
	if err != nil {
		metrics.AggregateFailures.Inc()
		return 0, err
	}

	var sent int
	for _, member := range n.dir.All() {
		if member.Deliver(frame) {
			sent++
		}
	}
	glog.V(5).Infof("aggregate: %s has %d messages, broadcast to %d connections", subject, count, sent)
	return sent, nil
}
