package strata

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		check    func(error) bool
	}{
		{&CycleError{Revision: "abc", Parent: "def"}, ErrCycle, IsCycle},
		{&MultipleHeadsError{Heads: []string{"a", "b"}}, ErrMultipleHeads, IsMultipleHeads},
		{&NonNullableWithoutDefaultError{Table: "users", Column: "email"}, ErrNonNullableWithoutDefault, IsNonNullableWithoutDefault},
		{&IntegrityViolationError{Table: "orders", Violations: 3}, ErrIntegrityViolation, IsIntegrityViolation},
		{&IrreversibleOperationError{Revision: "abc", Operation: "drop_table users"}, ErrIrreversible, IsIrreversible},
		{&LockTimeoutError{Wait: time.Second}, ErrLockTimeout, IsLockTimeout},
		{&UnsupportedOperationError{Operation: "drop_column t.c", Reason: "composite key"}, ErrUnsupported, IsUnsupported},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(nil))
			assert.NotEmpty(t, tt.err.Error())

			// Class checks survive wrapping.
			wrapped := fmt.Errorf("revision failed: %w", tt.err)
			assert.True(t, tt.check(wrapped))
		})
	}
}

func TestErrorClassesDisjoint(t *testing.T) {
	assert.False(t, IsCycle(&LockTimeoutError{Wait: time.Second}))
	assert.False(t, IsLockTimeout(&CycleError{Revision: "abc"}))
	assert.False(t, IsIrreversible(errors.New("plain")))
}

func TestMultipleHeadsErrorDetails(t *testing.T) {
	err := fmt.Errorf("upgrade: %w", &MultipleHeadsError{Heads: []string{"aaa", "bbb"}})
	var mh *MultipleHeadsError
	require.True(t, errors.As(err, &mh))
	assert.Equal(t, []string{"aaa", "bbb"}, mh.Heads)
}

func TestAmbiguousRenameWarningString(t *testing.T) {
	w := AmbiguousRenameWarning{Table: "users", Added: "mail", Dropped: "email"}
	assert.Contains(t, w.String(), "users")
	assert.Contains(t, w.String(), "mail")
	assert.Contains(t, w.String(), "email")
}
