package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"

	"dbtools/internal"
)

// ConnectTimeout bounds the initial connect and every connection checkout.
const ConnectTimeout = 30 * time.Second

const idleTimeout = 60 * time.Second

// Manager owns the connection pool for one endpoint. At most MaxConns
// statements run at once; further callers wait in FIFO order on a weighted
// semaphore before a pooled connection is checked out.
type Manager struct {
	cfg            Config
	db             *sql.DB
	sem            *semaphore.Weighted
	limit          int64
	acquireTimeout time.Duration
}

func NewManager(cfg Config) *Manager {
	limit := int64(cfg.connectionLimit())
	return &Manager{
		cfg:            cfg,
		sem:            semaphore.NewWeighted(limit),
		limit:          limit,
		acquireTimeout: ConnectTimeout,
	}
}

// NewManagerWithDB wraps an already opened handle. Connect still verifies
// reachability before the manager is used.
func NewManagerWithDB(cfg Config, db *sql.DB) *Manager {
	m := NewManager(cfg)
	m.db = db
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) Endpoint() string {
	return m.cfg.String()
}

func (m *Manager) Connect(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, m.limit); err != nil {
		return &ConnectionError{Endpoint: m.Endpoint(), Err: err}
	}
	defer m.sem.Release(m.limit)

	if m.db == nil {
		db, err := sql.Open("mysql", m.cfg.DSN())
		if err != nil {
			return &ConnectionError{Endpoint: m.Endpoint(), Err: err}
		}
		m.db = db
	}

	m.db.SetMaxOpenConns(int(m.limit))
	m.db.SetMaxIdleConns(int(m.limit))
	m.db.SetConnMaxIdleTime(idleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	if err := m.db.PingContext(pingCtx); err != nil {
		m.db.Close()
		m.db = nil
		return &ConnectionError{Endpoint: m.Endpoint(), Err: err}
	}

	internal.Logger.Debug("Connected to database", "endpoint", m.Endpoint(), "maxConns", m.limit)
	return nil
}

// Disconnect waits for every in-flight statement to finish, then closes the pool.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, m.limit); err != nil {
		return fmt.Errorf("drain %s: %w", m.Endpoint(), err)
	}
	defer m.sem.Release(m.limit)

	if m.db == nil {
		return nil
	}

	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", m.Endpoint(), err)
	}

	internal.Logger.Debug("Disconnected from database", "endpoint", m.Endpoint())
	return nil
}

// acquire takes a query slot and checks out a dedicated connection. The
// returned release func must be called on every path.
func (m *Manager) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &ConnectionError{Endpoint: m.Endpoint(), Err: fmt.Errorf("waiting for a free connection: %w", err)}
	}

	// m.db is only swapped out while Disconnect holds every slot.
	db := m.db
	if db == nil {
		m.sem.Release(1)
		return nil, nil, ErrNotConnected
	}

	conn, err := db.Conn(acquireCtx)
	if err != nil {
		m.sem.Release(1)
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &ConnectionError{Endpoint: m.Endpoint(), Err: err}
	}

	release := func() {
		if err := conn.Close(); err != nil {
			internal.Logger.Debug("Failed to return connection to pool", "endpoint", m.Endpoint(), "error", err)
		}
		m.sem.Release(1)
	}
	return conn, release, nil
}

// Query runs one statement and buffers its result set.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	conn, release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return readResult(rows)
}

// Exec runs one statement in autocommit mode.
func (m *Manager) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	conn, release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

type batchOptions struct {
	args       []any
	noFKChecks bool
}

type BatchOption func(*batchOptions)

// WithArgs binds the same arguments to every statement of the batch.
func WithArgs(args ...any) BatchOption {
	return func(o *batchOptions) {
		o.args = args
	}
}

// WithoutForeignKeyChecks disables FOREIGN_KEY_CHECKS on the batch's
// connection. The setting is restored before the connection goes back to the
// pool, whether or not the batch succeeded.
func WithoutForeignKeyChecks() BatchOption {
	return func(o *batchOptions) {
		o.noFKChecks = true
	}
}

// ExecBatch runs the statements inside one transaction on a single
// connection. Any failure rolls the transaction back and returns the
// statement's error.
func (m *Manager) ExecBatch(ctx context.Context, stmts []string, opts ...BatchOption) (err error) {
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}

	conn, release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if o.noFKChecks {
		if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disable foreign key checks: %w", err)
		}
		defer func() {
			if restoreErr := m.restoreForeignKeyChecks(conn); restoreErr != nil {
				if err == nil {
					err = restoreErr
				} else {
					internal.Logger.Error("Failed to re-enable foreign key checks", "endpoint", m.Endpoint(), "error", restoreErr)
				}
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	for i, stmt := range stmts {
		if _, execErr := tx.ExecContext(ctx, stmt, o.args...); execErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				internal.Logger.Error("Rollback failed", "endpoint", m.Endpoint(), "error", rbErr)
			}
			return fmt.Errorf("statement %d of %d: %w", i+1, len(stmts), execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// restoreForeignKeyChecks ignores the caller's context so a cancelled batch
// still re-enables the checks. A connection that cannot be restored is
// evicted from the pool instead of being reused.
func (m *Manager) restoreForeignKeyChecks(conn *sql.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("re-enable foreign key checks: %w", err)
	}
	return nil
}
