package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS sessions (
	tag  TEXT PRIMARY KEY,
	id   TEXT NOT NULL,
	body BLOB NOT NULL
)`

// SQLiteStore keeps entries in a WAL-mode SQLite file. INSERT OR IGNORE on
// the tag primary key is the atomic insert-if-absent.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLiteStore(path string, poolSize int) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("registry: sqlite path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite %s: %w", path, err)
	}
	log.Info().Msgf("registry.OpenSQLiteStore path=%s pool_size=%d", path, poolSize)
	return &SQLiteStore{pool: pool, path: path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("registry: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteTransient(conn, sqliteSchema, nil)
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, tag string) (Session, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)
	return getSQLite(conn, strings.TrimSpace(tag))
}

func getSQLite(conn *sqlite.Conn, tag string) (Session, bool, error) {
	var (
		out   Session
		found bool
		derr  error
	)
	err := sqlitex.Execute(conn, "SELECT body FROM sessions WHERE tag = ?", &sqlitex.ExecOptions{
		Args: []any{tag},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, body)
			out, derr = decodeSession(body)
			found = true
			return nil
		},
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if derr != nil {
		return Session{}, false, fmt.Errorf("registry: decode tag %q: %w", tag, derr)
	}
	return out, found, nil
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, sess Session) (Session, bool, error) {
	if err := sess.Validate(); err != nil {
		return Session{}, false, err
	}
	data, err := encodeSession(sess)
	if err != nil {
		return Session{}, false, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO sessions (tag, id, body) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{sess.Tag, sess.ID, data},
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if conn.Changes() == 1 {
		return sess, true, nil
	}
	existing, ok, err := getSQLite(conn, sess.Tag)
	if err != nil {
		return Session{}, false, err
	}
	if !ok {
		return Session{}, false, fmt.Errorf("registry: entry for tag %q vanished", sess.Tag)
	}
	return existing, false, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE sessions SET body = ? WHERE tag = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{data, sess.Tag, sess.ID},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if conn.Changes() == 1 {
		return nil
	}
	if _, ok, err := getSQLite(conn, sess.Tag); err != nil {
		return err
	} else if ok {
		return ErrIDMismatch
	}
	return ErrNotFound
}

func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	out := make([]Session, 0)
	err = sqlitex.Execute(conn, "SELECT body FROM sessions ORDER BY tag", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, body)
			sess, err := decodeSession(body)
			if err != nil {
				return err
			}
			out = append(out, sess)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sortSessions(out)
	return out, nil
}
