package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msgrelay/msgrelay/identity"
)

const (
	pgColumns = "id,from_user_id,from_admin_id,to_user_id,to_admin_id,message,subject,name,email,phone,ip,read,created_at"

	pgInsertSQL = "INSERT INTO messages " +
		"(from_user_id,from_admin_id,to_user_id,to_admin_id,message,subject,name,email,phone,ip) " +
		"VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING " + pgColumns
	pgCountUnreadSQL = "SELECT COUNT(id) FROM messages WHERE %s = $1 AND read = false"
	pgSetReadSQL     = "UPDATE messages SET read = true WHERE id = $1 AND %s = $2 AND read = false"
	pgReceivedSQL    = "SELECT COUNT(id) FROM messages WHERE id = $1 AND %s = $2"

	pgCreateTableSQL = `CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		from_user_id BIGINT NULL,
		from_admin_id BIGINT NULL,
		to_user_id BIGINT NULL,
		to_admin_id BIGINT NULL,
		message TEXT NOT NULL,
		subject VARCHAR(255) NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(64) NULL,
		ip VARCHAR(64) NOT NULL DEFAULT '',
		read BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
)

// PostgresStore implements IMessageStore on a pgx pool, against the same
// `messages` table layout as MySQLStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgCreateTableSQL)
	return persistErr("ensure schema", err)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func pgScan(sc pgx.Row) (*Message, error) {
	var r row
	if err := sc.Scan(&r.ID, &r.FromUserID, &r.FromAdminID, &r.ToUserID, &r.ToAdminID,
		&r.Message, &r.Subject, &r.Name, &r.Email, &r.Phone, &r.IP, &r.Read, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r.toMessage(), nil
}

func (s *PostgresStore) Create(ctx context.Context, attrs *Attrs) (*Message, error) {
	if err := validateAttrs(attrs); err != nil {
		return nil, err
	}
	r := (&Message{From: attrs.From, To: PartyOf(attrs.To)}).toRow()

	m, err := pgScan(s.pool.QueryRow(ctx, pgInsertSQL,
		r.FromUserID, r.FromAdminID, r.ToUserID, r.ToAdminID,
		attrs.Message, optional(attrs.Subject), attrs.Name, attrs.Email, optional(attrs.Phone), attrs.IP))
	if err != nil {
		glog.Errorf("insert message err: %v", err)
		return nil, persistErr("create", err)
	}
	return m, nil
}

func (s *PostgresStore) Search(ctx context.Context, filter Filter, page, pageSize int) ([]*Message, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := filter.where(pgPlaceholder)
	offset, limit := pageBounds(page, pageSize)
	query := fmt.Sprintf("SELECT %s FROM messages WHERE %s ORDER BY id DESC LIMIT %s OFFSET %s",
		pgColumns, where, pgPlaceholder(len(args)+1), pgPlaceholder(len(args)+2))
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		glog.Errorf("search messages query err: %v", err)
		return nil, persistErr("search", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := pgScan(rows)
		if err != nil {
			glog.Errorf("search messages scan err: %v", err)
			return nil, persistErr("search", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("search", err)
	}
	return out, nil
}

func (s *PostgresStore) count(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	var out int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&out); err != nil {
		glog.Errorf("%s scan err: %v", op, err)
		return 0, persistErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) CountWhere(ctx context.Context, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := filter.where(pgPlaceholder)
	return s.count(ctx, "count", "SELECT COUNT(id) FROM messages WHERE "+where, args...)
}

func (s *PostgresStore) CountUnread(ctx context.Context, id identity.Identity) (int64, error) {
	return s.count(ctx, "count unread", fmt.Sprintf(pgCountUnreadSQL, ToField(id)), id.ID)
}

func (s *PostgresStore) MarkRead(ctx context.Context, msgID int64, reader identity.Identity) (bool, error) {
	column := ToField(reader)
	var changed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(pgSetReadSQL, column), msgID, reader.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			changed = true
			return nil
		}
		var found int64
		if err := tx.QueryRow(ctx, fmt.Sprintf(pgReceivedSQL, column), msgID, reader.ID).Scan(&found); err != nil {
			return err
		}
		if found == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, err
	} else if err != nil {
		return false, persistErr("mark read", err)
	}
	return changed, nil
}
