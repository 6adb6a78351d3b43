package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/journal"
	"github.com/msgrelay/msgrelay/metrics"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

// Service is the send path: persist, then route, then refresh counters.
type Service struct {
	store     store.IMessageStore
	router    *Router
	assembler *Assembler
	notifier  *Notifier
	journal   journal.Journal

	senders senderLocks
}

func NewService(s store.IMessageStore, dir *room.Directory, j journal.Journal) *Service {
	if j == nil {
		j = journal.Nop{}
	}
	return &Service{
		store:     s,
		router:    NewRouter(dir),
		assembler: NewAssembler(s),
		notifier:  NewNotifier(s, dir),
		journal:   j,
		senders:   senderLocks{locks: make(map[identity.Identity]*senderLock)},
	}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Send persists the request and, once the store has committed, delivers it
// to the receiver's room. The returned error is a *MalformedEvent or a
// *store.PersistenceError; nothing is delivered in either case.
//
// A request without a usable sender is stored as an orphan and never routed.
// Sends of one sender are persisted and routed in arrival order.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*store.Message, error) {
	to, err := req.Receiver()
	if err != nil {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		return nil, err
	}
	from, hasSender := req.Sender()

	if hasSender {
		unlock := s.senders.lock(from)
		defer unlock()
	}

	start := time.Now()
	m, err := s.store.Create(ctx, req.attrs(to))
	observe("create", start)
	if err != nil {
		metrics.PersistFailures.Inc()
		glog.Errorf("send: persist error, to: %s, err: %v", to, err)
		return nil, err
	}

	if hasSender {
		metrics.MessagesPersisted.WithLabelValues(string(from.Kind)).Inc()
	} else {
		metrics.MessagesPersisted.WithLabelValues("unknown").Inc()
	}

	if err := s.journal.Append(ctx, m); err != nil {
		glog.Errorf("send: journal message %d error: %v", m.ID, err)
	}

	if !hasSender {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		glog.Warningf("send: message %d has no sender (fromType %q, fromId %d), stored but not routed",
			m.ID, req.FromType, req.FromID)
		return m, nil
	}

	if _, err := s.router.Route(m, from, to); err != nil {
		glog.Errorf("send: route message %d error: %v", m.ID, err)
	}

	if _, err := s.notifier.Refresh(ctx, m); err != nil {
		glog.Warningf("send: refresh counters after message %d error: %v", m.ID, err)
	}
	return m, nil
}

// Forward relays a push channel `message:private` without persisting it.
// Requests without a sender are dropped.
func (s *Service) Forward(req *SendRequest) (int, error) {
	from, ok := req.Sender()
	if !ok {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		return 0, &MalformedEvent{Event: EventPrivate,
			Reason: fmt.Sprintf("missing sender: fromType %q, fromId %d", req.FromType, req.FromID)}
	}
	to, err := req.Receiver()
	if err != nil {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		return 0, err
	}

	attrs := req.attrs(to)
	return s.router.Route(&store.Message{
		From:      attrs.From,
		To:        store.PartyOf(to),
		Message:   attrs.Message,
		Subject:   attrs.Subject,
		Name:      attrs.Name,
		Email:     attrs.Email,
		CreatedAt: time.Now().UTC(),
	}, from, to)
}

// Thread returns the user/admin conversation oldest first.
func (s *Service) Thread(ctx context.Context, user, admin identity.Identity, page, pageSize int) ([]*store.Message, error) {
	defer observe("search", time.Now())
	return s.assembler.Thread(ctx, user, admin, page, pageSize)
}

// Inbox returns every message of self oldest first.
func (s *Service) Inbox(ctx context.Context, self identity.Identity, page, pageSize int) ([]*store.Message, error) {
	defer observe("search", time.Now())
	return s.assembler.Inbox(ctx, self, page, pageSize)
}

// MarkRead marks a received message as read.
func (s *Service) MarkRead(ctx context.Context, msgID int64, reader identity.Identity) (bool, error) {
	defer observe("mark_read", time.Now())
	return s.store.MarkRead(ctx, msgID, reader)
}

// Unread counts unread messages received by self.
func (s *Service) Unread(ctx context.Context, self identity.Identity) (int64, error) {
	defer observe("count", time.Now())
	return s.store.CountUnread(ctx, self)
}

// Count is one row of a summary.
type Count struct {
	Type         string `json:"type"`
	ID           int64  `json:"id"`
	MessageCount int64  `json:"messageCount"`
	Unread       int64  `json:"unread"`
}

// Summary returns the message counts of every identity in ids.
func (s *Service) Summary(ctx context.Context, ids []identity.Identity) ([]Count, error) {
	defer observe("count", time.Now())
	out := make([]Count, 0, len(ids))
	for _, id := range ids {
		total, err := s.store.CountWhere(ctx, store.Involving(id))
		if err != nil {
			return nil, err
		}
		unread, err := s.store.CountUnread(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Count{Type: string(id.Kind), ID: id.ID, MessageCount: total, Unread: unread})
	}
	return out, nil
}

type senderLock struct {
	sync.Mutex
	refs int
}

// senderLocks serializes sends per sender identity. Entries are dropped
// when no send of that sender is in flight.
type senderLocks struct {
	sync.Mutex
	locks map[identity.Identity]*senderLock
}

func (l *senderLocks) lock(id identity.Identity) func() {
	l.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &senderLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.Unlock()
	}
}
