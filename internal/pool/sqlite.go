package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite opens dedicated connections to one SQLite database. database/sql
// keeps no idle connections of its own; the Pool owns their lifetime.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite prepares a SQLite backend for dsn (a file path or file: URI).
// WAL journaling and a busy timeout are added unless dsn already sets them.
func OpenSQLite(dsn string, maxConns int) (*SQLite, error) {
	db, err := sql.Open("sqlite3", withSQLiteDefaults(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxIdleConns(0)
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	return &SQLite{db: db}, nil
}

func withSQLiteDefaults(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_journal_mode") && !strings.Contains(dsn, ":memory:") {
		params = append(params, "_journal_mode=WAL")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Open is a Factory[*SQLConn].
func (s *SQLite) Open(ctx context.Context) (*SQLConn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &SQLConn{conn: c}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// SQLConn is one dedicated database connection. At most one transaction is
// open on it at a time; Reset rolls back a transaction left open by a caller.
type SQLConn struct {
	conn *sql.Conn

	mu sync.Mutex
	tx *sql.Tx
}

func (c *SQLConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }

func (c *SQLConn) Close() error {
	_ = c.Reset(context.Background())
	return c.conn.Close()
}

func (c *SQLConn) Reset(context.Context) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (c *SQLConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *SQLConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *SQLConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (c *SQLConn) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	c.mu.Lock()
	if c.tx != nil {
		c.mu.Unlock()
		return errors.New("sqlconn: transaction already open")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("begin transaction: %w", err)
	}
	c.tx = tx
	c.mu.Unlock()

	if err := fn(tx); err != nil {
		_ = c.Reset(ctx)
		return err
	}

	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
