package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
)

const (
	messageColumns = "id,from_user_id,from_admin_id,to_user_id,to_admin_id,message,subject,name,email,phone,ip,`read`,created_at"

	insertMessageSQL = "INSERT INTO messages " +
		"(from_user_id,from_admin_id,to_user_id,to_admin_id,message,subject,name,email,phone,ip) " +
		"VALUES (?,?,?,?,?,?,?,?,?,?)"
	getMessageSQL    = "SELECT " + messageColumns + " FROM messages WHERE id=?"
	searchSQL        = "SELECT " + messageColumns + " FROM messages WHERE %s ORDER BY id DESC LIMIT ? OFFSET ?"
	countSQL         = "SELECT COUNT(id) FROM messages WHERE %s"
	countUnreadSQL   = "SELECT COUNT(id) FROM messages WHERE %s = ? AND `read` = 0"
	setReadSQL       = "UPDATE messages SET `read` = 1 WHERE id = ? AND %s = ? AND `read` = 0"
	countReceivedSQL = "SELECT COUNT(id) FROM messages WHERE id = ? AND %s = ?"

	createMessagesTableSQL = "CREATE TABLE IF NOT EXISTS messages (" +
		"id BIGINT AUTO_INCREMENT PRIMARY KEY," +
		"from_user_id BIGINT NULL, from_admin_id BIGINT NULL," +
		"to_user_id BIGINT NULL, to_admin_id BIGINT NULL," +
		"message TEXT NOT NULL, subject VARCHAR(255) NULL," +
		"name VARCHAR(255) NOT NULL DEFAULT '', email VARCHAR(255) NOT NULL DEFAULT ''," +
		"phone VARCHAR(64) NULL, ip VARCHAR(64) NOT NULL DEFAULT ''," +
		"`read` TINYINT(1) NOT NULL DEFAULT 0," +
		"created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)," +
		"INDEX idx_from_user (from_user_id), INDEX idx_from_admin (from_admin_id)," +
		"INDEX idx_to_user (to_user_id, `read`), INDEX idx_to_admin (to_admin_id, `read`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
)

// MySQLStore implements IMessageStore on database/sql with the mysql driver.
// The DSN must set `parseTime=true`.
type MySQLStore struct {
	*sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db}
}

// EnsureSchema creates the messages table when missing.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.ExecContext(ctx, createMessagesTableSQL)
	return persistErr("ensure schema", err)
}

func (s *MySQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(sc scanner) (*Message, error) {
	var r row
	var read bool
	if err := sc.Scan(&r.ID, &r.FromUserID, &r.FromAdminID, &r.ToUserID, &r.ToAdminID,
		&r.Message, &r.Subject, &r.Name, &r.Email, &r.Phone, &r.IP, &read, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Read = read
	return r.toMessage(), nil
}

func mysqlPlaceholder(int) string { return "?" }

func (s *MySQLStore) Create(ctx context.Context, attrs *Attrs) (*Message, error) {
	if err := validateAttrs(attrs); err != nil {
		return nil, err
	}

	r := (&Message{From: attrs.From, To: PartyOf(attrs.To)}).toRow()

	var out *Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertMessageSQL,
			r.FromUserID, r.FromAdminID, r.ToUserID, r.ToAdminID,
			attrs.Message, optional(attrs.Subject), attrs.Name, attrs.Email, optional(attrs.Phone), attrs.IP)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		// read back server assigned columns.
		out, err = scanMessage(tx.QueryRowContext(ctx, getMessageSQL, id))
		if err != nil {
			glog.Errorf("get message scan err: %v", err)
		}
		return err
	}); err != nil {
		return nil, persistErr("create", err)
	}
	return out, nil
}

func (s *MySQLStore) Search(ctx context.Context, filter Filter, page, pageSize int) ([]*Message, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := filter.where(mysqlPlaceholder)
	offset, limit := pageBounds(page, pageSize)
	args = append(args, limit, offset)

	start := time.Now()
	rows, err := s.QueryContext(ctx, fmt.Sprintf(searchSQL, where), args...)
	if err != nil {
		glog.Errorf("search messages query err: %v", err)
		return nil, persistErr("search", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("search messages scan err: %v", err)
			return nil, persistErr("search", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("search", err)
	}
	glog.V(7).Infof("search messages: %d rows, took %s", len(out), time.Since(start))
	return out, nil
}

func (s *MySQLStore) count(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	var out sql.NullInt64
	if err := s.QueryRowContext(ctx, query, args...).Scan(&out); err != nil {
		glog.Errorf("%s scan err: %v", op, err)
		return 0, persistErr(op, err)
	}
	return out.Int64, nil
}

func (s *MySQLStore) CountWhere(ctx context.Context, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := filter.where(mysqlPlaceholder)
	return s.count(ctx, "count", fmt.Sprintf(countSQL, where), args...)
}

func (s *MySQLStore) CountUnread(ctx context.Context, id identity.Identity) (int64, error) {
	return s.count(ctx, "count unread", fmt.Sprintf(countUnreadSQL, ToField(id)), id.ID)
}

func (s *MySQLStore) MarkRead(ctx context.Context, msgID int64, reader identity.Identity) (bool, error) {
	column := ToField(reader)
	var changed bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(setReadSQL, column), msgID, reader.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			changed = true
			return nil
		}

		var found int64
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(countReceivedSQL, column), msgID, reader.ID).Scan(&found); err != nil {
			return err
		}
		if found == 0 {
			return ErrNotFound
		}
		return nil
	}); err != nil {
		if err == ErrNotFound {
			return false, err
		}
		return false, persistErr("mark read", err)
	}
	return changed, nil
}
