package sql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/syssam/strata"
)

// Acquisition modes of a pooled connection handle.
const (
	modeRead = iota
	modeWrite
	modeExclusive
)

// DefaultLockTimeout bounds how long a write or exclusive acquisition
// waits for the store lock before failing with a LockTimeoutError.
const DefaultLockTimeout = 5 * time.Second

// Pool is the connection manager of the engine. The underlying store
// permits only one writer at a time, so the pool serializes write
// acquisition on a single weighted semaphore and gates readers behind
// exclusive (schema-changing) sections. Each pool owns its locks; tests
// can instantiate independent pools per store.
type Pool struct {
	drv         *Driver
	writers     *semaphore.Weighted // one writer at a time
	readers     *semaphore.Weighted // exclusive sections drain it
	maxReaders  int64
	lockTimeout time.Duration
	log         *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLockTimeout sets the maximum time a write or exclusive acquisition
// waits for the lock. Zero means DefaultLockTimeout.
func WithLockTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.lockTimeout = d }
}

// WithMaxReaders bounds the number of concurrent read handles.
func WithMaxReaders(n int) PoolOption {
	return func(p *Pool) { p.maxReaders = int64(n) }
}

// WithLogger sets the logger used for pool events.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// NewPool creates a connection manager over the given driver.
func NewPool(drv *Driver, opts ...PoolOption) *Pool {
	p := &Pool{
		drv:         drv,
		maxReaders:  64,
		lockTimeout: DefaultLockTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lockTimeout <= 0 {
		p.lockTimeout = DefaultLockTimeout
	}
	p.writers = semaphore.NewWeighted(1)
	p.readers = semaphore.NewWeighted(p.maxReaders)
	return p
}

// Driver returns the underlying driver.
func (p *Pool) Driver() *Driver { return p.drv }

// Close closes the underlying driver.
func (p *Pool) Close() error { return p.drv.Close() }

// Handle is a leased connection. It is owned by at most one session at a
// time and must be released on every exit path. The embedded Conn executes
// on a dedicated database connection, so per-connection pragmas hold for
// the lifetime of the lease.
type Handle struct {
	Conn
	pool     *Pool
	conn     *sql.Conn
	mode     int
	released bool
}

// Acquire leases a read handle. Reads may run concurrently with other
// reads but wait behind an in-progress exclusive section, so a reader
// never observes a half-rewritten schema.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := p.wait(ctx, p.readers, 1); err != nil {
		return nil, err
	}
	h, err := p.lease(ctx, modeRead)
	if err != nil {
		p.readers.Release(1)
		return nil, err
	}
	return h, nil
}

// AcquireWrite leases the writer handle, blocking until the previous
// writer releases or the lock timeout elapses.
func (p *Pool) AcquireWrite(ctx context.Context) (*Handle, error) {
	if err := p.wait(ctx, p.writers, 1); err != nil {
		return nil, err
	}
	h, err := p.lease(ctx, modeWrite)
	if err != nil {
		p.writers.Release(1)
		return nil, err
	}
	return h, nil
}

// AcquireExclusive leases the writer handle and drains all readers.
// Schema rewrites and migrations run under exclusive handles so that no
// reader observes an inconsistent intermediate schema.
func (p *Pool) AcquireExclusive(ctx context.Context) (*Handle, error) {
	if err := p.wait(ctx, p.writers, 1); err != nil {
		return nil, err
	}
	if err := p.wait(ctx, p.readers, p.maxReaders); err != nil {
		p.writers.Release(1)
		return nil, err
	}
	h, err := p.lease(ctx, modeExclusive)
	if err != nil {
		p.readers.Release(p.maxReaders)
		p.writers.Release(1)
		return nil, err
	}
	return h, nil
}

// wait acquires n units from sem, bounded by the pool lock timeout.
// A caller-canceled context is reported as the context error; elapsing
// the timeout is reported as a LockTimeoutError.
func (p *Pool) wait(ctx context.Context, sem *semaphore.Weighted, n int64) error {
	wctx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	defer cancel()
	if err := sem.Acquire(wctx, n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Debug("lock wait timed out", "wait", p.lockTimeout)
		return &strata.LockTimeoutError{Wait: p.lockTimeout}
	}
	return nil
}

// lease takes a dedicated connection from the database pool and enforces
// the integrity pragmas before first use.
func (p *Pool) lease(ctx context.Context, mode int) (*Handle, error) {
	conn, err := p.drv.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: lease connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		err = fmt.Errorf("dialect/sql: enable foreign keys: %w", err)
		return nil, joinClose(err, conn)
	}
	return &Handle{Conn: Conn{conn}, pool: p, conn: conn, mode: mode}, nil
}

// Release returns the handle to the pool. Releasing twice is a no-op.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	err := h.conn.Close()
	switch h.mode {
	case modeRead:
		h.pool.readers.Release(1)
	case modeWrite:
		h.pool.writers.Release(1)
	case modeExclusive:
		h.pool.readers.Release(h.pool.maxReaders)
		h.pool.writers.Release(1)
	}
	if err != nil {
		return fmt.Errorf("dialect/sql: release connection: %w", err)
	}
	return nil
}

// BeginTx starts a transaction on the leased connection.
func (h *Handle) BeginTx(ctx context.Context, opts *TxOptions) (*sql.Tx, error) {
	return h.conn.BeginTx(ctx, opts)
}

// SetForeignKeys toggles foreign-key enforcement on the leased connection.
// SQLite ignores the pragma inside a transaction, so callers that disable
// enforcement for a rebuild must do it before starting the transaction and
// re-verify integrity with PRAGMA foreign_key_check before committing.
func (h *Handle) SetForeignKeys(ctx context.Context, on bool) error {
	stmt := "PRAGMA foreign_keys = OFF"
	if on {
		stmt = "PRAGMA foreign_keys = ON"
	}
	if _, err := h.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dialect/sql: %s: %w", stmt, err)
	}
	return nil
}

func joinClose(err error, conn *sql.Conn) error {
	if cerr := conn.Close(); cerr != nil {
		return fmt.Errorf("%w (close: %v)", err, cerr)
	}
	return err
}
