package sql

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func countRows(t *testing.T, p *Pool, table string) int {
	t.Helper()
	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h.Release()
	rows := &Rows{}
	require.NoError(t, h.Query(ctx, "SELECT COUNT(*) FROM `"+table+"`", []any{}, rows))
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func TestSessionCommit(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	var state SessionState
	err := p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		if err := s.Exec(ctx, "CREATE TABLE `items` (`id` integer PRIMARY KEY)", []any{}, nil); err != nil {
			return err
		}
		state = s.State()
		return s.Exec(ctx, "INSERT INTO `items` (`id`) VALUES (1)", []any{}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, state, "session is active inside the scope")
	assert.Equal(t, 1, countRows(t, p, "items"))
}

func TestSessionRollbackOnError(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	require.NoError(t, p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		return s.Exec(ctx, "CREATE TABLE `items` (`id` integer PRIMARY KEY)", []any{}, nil)
	}))

	boom := errors.New("boom")
	err := p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		if err := s.Exec(ctx, "INSERT INTO `items` (`id`) VALUES (1)", []any{}, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, p, "items"), "failed scope leaves no writes behind")
}

func TestSessionRollbackOnPanic(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	require.NoError(t, p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		return s.Exec(ctx, "CREATE TABLE `items` (`id` integer PRIMARY KEY)", []any{}, nil)
	}))

	require.Panics(t, func() {
		_ = p.WithSession(ctx, func(ctx context.Context, s *Session) error {
			if err := s.Exec(ctx, "INSERT INTO `items` (`id`) VALUES (1)", []any{}, nil); err != nil {
				return err
			}
			panic("boom")
		})
	})
	assert.Equal(t, 0, countRows(t, p, "items"))

	// The writer lock was released on the panic path.
	w, err := p.AcquireWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Release())
}

func TestSessionNesting(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	var outer, inner *Session
	err := p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		outer = s
		if err := s.Exec(ctx, "CREATE TABLE `items` (`id` integer PRIMARY KEY)", []any{}, nil); err != nil {
			return err
		}
		// A nested scope reuses the outer transaction instead of
		// deadlocking on the writer lock.
		return p.WithSession(ctx, func(ctx context.Context, s *Session) error {
			inner = s
			return s.Exec(ctx, "INSERT INTO `items` (`id`) VALUES (1)", []any{}, nil)
		})
	})
	require.NoError(t, err)
	assert.Same(t, outer, inner)
	assert.Equal(t, 1, countRows(t, p, "items"))
}

func TestSessionNestedErrorRollsBackAll(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	require.NoError(t, p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		return s.Exec(ctx, "CREATE TABLE `items` (`id` integer PRIMARY KEY)", []any{}, nil)
	}))

	boom := errors.New("inner failure")
	err := p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		if err := s.Exec(ctx, "INSERT INTO `items` (`id`) VALUES (1)", []any{}, nil); err != nil {
			return err
		}
		return p.WithSession(ctx, func(ctx context.Context, s *Session) error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, p, "items"), "inner failure rolls back the outer writes too")
}

func TestExclusiveSessionForeignKeys(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	err := p.WithExclusive(ctx, func(ctx context.Context, s *Session) error {
		rows := &Rows{}
		if err := s.Query(ctx, "PRAGMA foreign_keys", []any{}, rows); err != nil {
			return err
		}
		defer rows.Close()
		require.True(t, rows.Next())
		var on int
		require.NoError(t, rows.Scan(&on))
		assert.Equal(t, 0, on, "exclusive scopes run with enforcement off for rebuilds")
		return rows.Err()
	})
	require.NoError(t, err)

	// Enforcement is restored before the connection returns to the pool.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h.Release()
	rows := &Rows{}
	require.NoError(t, h.Query(ctx, "PRAGMA foreign_keys", []any{}, rows))
	defer rows.Close()
	require.True(t, rows.Next())
	var on int
	require.NoError(t, rows.Scan(&on))
	assert.Equal(t, 1, on)
}

func TestSessionStateTerminal(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()
	var s1 *Session
	require.NoError(t, p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		s1 = s
		return nil
	}))
	assert.Equal(t, StateCommitted, s1.State())

	var s2 *Session
	boom := errors.New("boom")
	err := p.WithSession(ctx, func(ctx context.Context, s *Session) error {
		s2 = s
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, s2.State())
}
