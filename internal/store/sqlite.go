package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AlexKimmel/accountgate/internal/pool"
	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

const schema = `
CREATE TABLE IF NOT EXISTS risk_signals (
	account    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_plans (
	account    TEXT PRIMARY KEY,
	severity   TEXT NOT NULL,
	stage      TEXT NOT NULL,
	plan       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_probes (
	id         TEXT PRIMARY KEY,
	account    TEXT NOT NULL,
	canary     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	delay_ms   INTEGER NOT NULL,
	probe      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS delivery_probes_account_started
	ON delivery_probes (account, started_at DESC);
`

// SQLite stores records in a SQLite database, borrowing connections from a
// pool for every call.
type SQLite struct {
	pool *pool.Pool[*pool.SQLConn]
}

// NewSQLite creates the schema if needed. The pool stays owned by the caller.
func NewSQLite(ctx context.Context, p *pool.Pool[*pool.SQLConn]) (*SQLite, error) {
	s := &SQLite{pool: p}
	err := s.with(ctx, func(c *pool.SQLConn) error {
		_, err := c.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// with runs fn on a pooled connection. A connection that reports
// driver.ErrBadConn is marked unhealthy so the pool replaces it.
func (s *SQLite) with(ctx context.Context, fn func(*pool.SQLConn) error) error {
	res, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer res.Release()
	c, ok := res.Conn()
	if !ok {
		return pool.ErrPoolClosed
	}
	err = fn(c)
	if errors.Is(err, driver.ErrBadConn) {
		res.MarkUnhealthy()
	}
	return err
}

func (s *SQLite) SaveSignals(ctx context.Context, account string, st risk.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	return s.with(ctx, func(c *pool.SQLConn) error {
		_, err := c.ExecContext(ctx, `
			INSERT INTO risk_signals (account, state, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (account) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
			account, string(b), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("save signals %s: %w", account, err)
		}
		return nil
	})
}

func (s *SQLite) LoadSignals(ctx context.Context, account string) (risk.State, error) {
	var raw string
	err := s.with(ctx, func(c *pool.SQLConn) error {
		return c.QueryRowContext(ctx, `SELECT state FROM risk_signals WHERE account = ?`, account).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, fmt.Errorf("signals for %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return risk.State{}, fmt.Errorf("load signals %s: %w", account, err)
	}
	var st risk.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return risk.State{}, fmt.Errorf("decode signals %s: %w", account, err)
	}
	return st, nil
}

func (s *SQLite) SavePlan(ctx context.Context, p recovery.Plan) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return s.with(ctx, func(c *pool.SQLConn) error {
		_, err := c.ExecContext(ctx, `
			INSERT INTO recovery_plans (account, severity, stage, plan, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account) DO UPDATE SET
				severity = excluded.severity, stage = excluded.stage,
				plan = excluded.plan, updated_at = excluded.updated_at`,
			p.Account, string(p.Severity), string(p.Stage), string(b), p.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("save plan %s: %w", p.Account, err)
		}
		return nil
	})
}

func (s *SQLite) LoadPlan(ctx context.Context, account string) (recovery.Plan, error) {
	var raw string
	err := s.with(ctx, func(c *pool.SQLConn) error {
		return c.QueryRowContext(ctx, `SELECT plan FROM recovery_plans WHERE account = ?`, account).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Plan{}, fmt.Errorf("plan for %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return recovery.Plan{}, fmt.Errorf("load plan %s: %w", account, err)
	}
	var p recovery.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return recovery.Plan{}, fmt.Errorf("decode plan %s: %w", account, err)
	}
	return p, nil
}

func (s *SQLite) AppendProbe(ctx context.Context, p probe.Probe) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}
	return s.with(ctx, func(c *pool.SQLConn) error {
		_, err := c.ExecContext(ctx, `
			INSERT INTO delivery_probes (id, account, canary, outcome, started_at, delay_ms, probe)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Account, p.Canary, string(p.Outcome), p.StartedAt.UnixNano(), p.Delay.Milliseconds(), string(b))
		if err != nil {
			return fmt.Errorf("append probe %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *SQLite) RecentProbes(ctx context.Context, account string, limit int) ([]probe.Probe, error) {
	var out []probe.Probe
	err := s.with(ctx, func(c *pool.SQLConn) error {
		rows, err := c.QueryContext(ctx, `
			SELECT probe FROM delivery_probes
			WHERE account = ?
			ORDER BY started_at DESC
			LIMIT ?`, account, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scan probe: %w", err)
			}
			var p probe.Probe
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return fmt.Errorf("decode probe: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recent probes %s: %w", account, err)
	}
	return out, nil
}

func (s *SQLite) PruneProbes(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.with(ctx, func(c *pool.SQLConn) error {
		return c.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM delivery_probes WHERE started_at < ?`, cutoff.UnixNano())
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("prune probes: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *SQLite) Close() error { return nil }
