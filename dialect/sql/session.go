package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionState is the lifecycle state of a session scope.
type SessionState uint8

// Session states. A session is created active and reaches exactly one of
// the terminal states on exit.
const (
	StateActive SessionState = iota
	StateCommitted
	StateRolledBack
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("SessionState(%d)", s)
	}
}

// Session is a scoped transactional unit of work over a leased handle.
// The handle is owned by this session until the outermost scope exits;
// it is released on every exit path.
type Session struct {
	handle *Handle
	tx     *sql.Tx
	state  SessionState
}

// Exec runs a statement inside the session transaction.
func (s *Session) Exec(ctx context.Context, query string, args, v any) error {
	return Conn{s.tx}.Exec(ctx, query, args, v)
}

// Query runs a query inside the session transaction.
func (s *Session) Query(ctx context.Context, query string, args, v any) error {
	return Conn{s.tx}.Query(ctx, query, args, v)
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Handle returns the leased connection handle owned by the session.
func (s *Session) Handle() *Handle { return s.handle }

// sessionKey is the context key carrying the active session for
// nested-scope reuse.
type sessionKey struct{}

// SessionFromContext returns the active session carried by ctx, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s.state == StateActive
}

// NewSessionContext returns a context carrying the session.
func NewSessionContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// WithSession runs fn inside a write session scope. On normal return the
// transaction commits; on error or panic it rolls back. If ctx already
// carries an active session, the scope nests: fn reuses the same handle
// and transaction and only the outermost scope commits or rolls back.
func (p *Pool) WithSession(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return p.scoped(ctx, fn, p.AcquireWrite)
}

// WithExclusive runs fn inside an exclusive session scope, draining
// readers for the duration. Foreign-key enforcement is switched off on
// the leased connection before the transaction starts so the scope can
// rebuild tables; enforcement is restored when the scope exits, and the
// scope body is responsible for verifying integrity before it returns.
func (p *Pool) WithExclusive(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return p.scoped(ctx, fn, func(ctx context.Context) (*Handle, error) {
		h, err := p.AcquireExclusive(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.SetForeignKeys(ctx, false); err != nil {
			return nil, errors.Join(err, h.Release())
		}
		return h, nil
	})
}

func (p *Pool) scoped(ctx context.Context, fn func(ctx context.Context, s *Session) error, acquire func(context.Context) (*Handle, error)) (err error) {
	// Nested entry: reuse the outer handle and transaction. The outermost
	// scope owns commit/rollback, preventing premature commits when helper
	// logic composes scopes.
	if outer, ok := SessionFromContext(ctx); ok {
		return fn(ctx, outer)
	}
	h, err := acquire(ctx)
	if err != nil {
		return err
	}
	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(fmt.Errorf("dialect/sql: begin session: %w", err), h.Release())
	}
	s := &Session{handle: h, tx: tx}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(s.rollback(), h.restore(ctx), h.Release())
			panic(r)
		}
		if err != nil {
			err = errors.Join(err, s.rollback())
		} else {
			err = s.commit()
		}
		err = errors.Join(err, h.restore(ctx), h.Release())
	}()
	return fn(NewSessionContext(ctx, s), s)
}

func (s *Session) commit() error {
	if err := s.tx.Commit(); err != nil {
		s.state = StateRolledBack
		return fmt.Errorf("dialect/sql: commit session: %w", err)
	}
	s.state = StateCommitted
	return nil
}

func (s *Session) rollback() error {
	s.state = StateRolledBack
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("dialect/sql: rollback session: %w", err)
	}
	return nil
}

// restore re-enables foreign-key enforcement on exclusive handles before
// the connection returns to the pool.
func (h *Handle) restore(ctx context.Context) error {
	if h.mode != modeExclusive || h.released {
		return nil
	}
	// The scope may be exiting because ctx was canceled; restoration must
	// still run before the connection goes back to the pool.
	return h.SetForeignKeys(context.WithoutCancel(ctx), true)
}
