package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/msgrelay/msgrelay/identity"
)

var messagesBucket = []byte("messages")

// BoltStore is an embedded single-file IMessageStore, for development and
// single-node deployments without a database server.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open `%s`: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bbolt create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *BoltStore) Create(ctx context.Context, attrs *Attrs) (*Message, error) {
	if err := validateAttrs(attrs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, persistErr("create", err)
	}

	m := &Message{
		From:    attrs.From,
		To:      PartyOf(attrs.To),
		Message: attrs.Message,
		Subject: attrs.Subject,
		Name:    attrs.Name,
		Email:   attrs.Email,
		Phone:   attrs.Phone,
		IP:      attrs.IP,
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.ID = int64(seq)
		m.CreatedAt = s.now().UTC()
		value, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(boltKey(m.ID), value)
	}); err != nil {
		return nil, persistErr("create", err)
	}
	return m, nil
}

// scan walks messages newest first until fn returns false or ctx is done.
func (s *BoltStore) scan(ctx context.Context, fn func(m *Message) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			if !fn(&m) {
				return nil
			}
		}
		return nil
	})
}

func (s *BoltStore) Search(ctx context.Context, filter Filter, page, pageSize int) ([]*Message, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	offset, limit := pageBounds(page, pageSize)

	var out []*Message
	var skipped int
	if err := s.scan(ctx, func(m *Message) bool {
		if !filter.Match(m) {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, m)
		return len(out) < limit
	}); err != nil {
		return nil, persistErr("search", err)
	}
	return out, nil
}

func (s *BoltStore) CountWhere(ctx context.Context, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.scan(ctx, func(m *Message) bool {
		if filter.Match(m) {
			n++
		}
		return true
	}); err != nil {
		return 0, persistErr("count", err)
	}
	return n, nil
}

func (s *BoltStore) CountUnread(ctx context.Context, id identity.Identity) (int64, error) {
	var n int64
	if err := s.scan(ctx, func(m *Message) bool {
		if !m.Read && m.To.Known && m.To.Identity == id {
			n++
		}
		return true
	}); err != nil {
		return 0, persistErr("count unread", err)
	}
	return n, nil
}

func (s *BoltStore) MarkRead(ctx context.Context, msgID int64, reader identity.Identity) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		v := b.Get(boltKey(msgID))
		if v == nil {
			return ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if !m.To.Known || m.To.Identity != reader {
			return ErrNotFound
		}
		if m.Read {
			return nil
		}
		m.Read = true
		value, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		changed = true
		return b.Put(boltKey(msgID), value)
	})
	if err == ErrNotFound {
		return false, err
	} else if err != nil {
		return false, persistErr("mark read", err)
	}
	return changed, nil
}
