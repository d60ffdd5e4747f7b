// Package strata implements a versioned schema migration engine for
// embedded single-writer SQLite stores. Revisions form a persisted DAG,
// schema changes the store cannot apply in place are emulated with
// shadow-table rebuilds, and all writes run inside scoped sessions that
// serialize on a single writer lock.
//
// The root package holds the error taxonomy shared by all subpackages.
package strata

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors for common failure classes. The typed errors
// below match these via errors.Is, so callers can branch on the class
// without caring about the details carried by the concrete type.
var (
	// ErrCycle is returned when adding a revision would create a cycle
	// in the revision graph, or when a declared parent does not exist.
	ErrCycle = errors.New("strata: revision graph cycle")

	// ErrMultipleHeads is returned when an upgrade targeting the latest
	// revision finds more than one head in the revision graph.
	ErrMultipleHeads = errors.New("strata: multiple heads")

	// ErrNonNullableWithoutDefault is returned when a rewrite must
	// populate a new NOT NULL column that declares no default.
	ErrNonNullableWithoutDefault = errors.New("strata: non-nullable column without default")

	// ErrIntegrityViolation is returned when the post-rewrite referential
	// integrity check fails and the rewrite is rolled back.
	ErrIntegrityViolation = errors.New("strata: referential integrity violation")

	// ErrIrreversible is returned when a downgrade reaches an operation
	// with no defined inverse.
	ErrIrreversible = errors.New("strata: irreversible operation")

	// ErrLockTimeout is returned when a writer or exclusive acquisition
	// does not obtain the store lock within the configured wait timeout.
	ErrLockTimeout = errors.New("strata: lock wait timeout")

	// ErrUnsupported is returned for operations the engine refuses to
	// emulate, such as rewrites touching composite foreign keys.
	ErrUnsupported = errors.New("strata: unsupported operation")
)

// CycleError reports a revision that cannot be added to the graph because
// it would create a cycle or references an unknown parent.
type CycleError struct {
	Revision string
	Parent   string // The offending parent reference, if any.
}

// Error returns the error string.
func (e *CycleError) Error() string {
	if e.Parent != "" {
		return fmt.Sprintf("strata: revision %s: unknown or cyclic parent %s", e.Revision, e.Parent)
	}
	return fmt.Sprintf("strata: revision %s would create a cycle", e.Revision)
}

// Is reports whether the target error matches CycleError.
func (e *CycleError) Is(err error) bool { return err == ErrCycle }

// IsCycle returns true if the error is a CycleError.
func IsCycle(err error) bool {
	if err == nil {
		return false
	}
	var e *CycleError
	return errors.As(err, &e) || errors.Is(err, ErrCycle)
}

// MultipleHeadsError reports that the revision graph has diverged and an
// upgrade to "latest" is ambiguous until a merge revision unifies the heads.
type MultipleHeadsError struct {
	Heads []string
}

// Error returns the error string.
func (e *MultipleHeadsError) Error() string {
	return fmt.Sprintf("strata: multiple heads %s; merge them before upgrading to latest",
		strings.Join(e.Heads, ", "))
}

// Is reports whether the target error matches MultipleHeadsError.
func (e *MultipleHeadsError) Is(err error) bool { return err == ErrMultipleHeads }

// IsMultipleHeads returns true if the error is a MultipleHeadsError.
func IsMultipleHeads(err error) bool {
	if err == nil {
		return false
	}
	var e *MultipleHeadsError
	return errors.As(err, &e) || errors.Is(err, ErrMultipleHeads)
}

// NonNullableWithoutDefaultError reports a new NOT NULL column that cannot
// be populated during a shadow-table copy because it declares no default.
type NonNullableWithoutDefaultError struct {
	Table  string
	Column string
}

// Error returns the error string.
func (e *NonNullableWithoutDefaultError) Error() string {
	return fmt.Sprintf("strata: table %s: column %s is NOT NULL and has no default to populate existing rows",
		e.Table, e.Column)
}

// Is reports whether the target error matches NonNullableWithoutDefaultError.
func (e *NonNullableWithoutDefaultError) Is(err error) bool {
	return err == ErrNonNullableWithoutDefault
}

// IsNonNullableWithoutDefault returns true if the error is a
// NonNullableWithoutDefaultError.
func IsNonNullableWithoutDefault(err error) bool {
	if err == nil {
		return false
	}
	var e *NonNullableWithoutDefaultError
	return errors.As(err, &e) || errors.Is(err, ErrNonNullableWithoutDefault)
}

// IntegrityViolationError reports foreign-key violations detected by the
// whole-store integrity check that runs before a rewrite commits. The
// enclosing transaction has been rolled back by the time it is returned.
type IntegrityViolationError struct {
	Table      string // Table holding the violating rows.
	Violations int
}

// Error returns the error string.
func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("strata: table %s: %d foreign-key violation(s) after rewrite; transaction rolled back",
		e.Table, e.Violations)
}

// Is reports whether the target error matches IntegrityViolationError.
func (e *IntegrityViolationError) Is(err error) bool { return err == ErrIntegrityViolation }

// IsIntegrityViolation returns true if the error is an IntegrityViolationError.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	var e *IntegrityViolationError
	return errors.As(err, &e) || errors.Is(err, ErrIntegrityViolation)
}

// IrreversibleOperationError reports a downgrade that reached an operation
// with no defined inverse. Fabricating dropped data is never attempted.
type IrreversibleOperationError struct {
	Revision  string
	Operation string
}

// Error returns the error string.
func (e *IrreversibleOperationError) Error() string {
	return fmt.Sprintf("strata: revision %s: operation %s has no inverse", e.Revision, e.Operation)
}

// Is reports whether the target error matches IrreversibleOperationError.
func (e *IrreversibleOperationError) Is(err error) bool { return err == ErrIrreversible }

// IsIrreversible returns true if the error is an IrreversibleOperationError.
func IsIrreversible(err error) bool {
	if err == nil {
		return false
	}
	var e *IrreversibleOperationError
	return errors.As(err, &e) || errors.Is(err, ErrIrreversible)
}

// LockTimeoutError reports a writer or exclusive acquisition that timed out
// waiting for the store lock. Retrying is left to the caller.
type LockTimeoutError struct {
	Wait time.Duration
}

// Error returns the error string.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("strata: timed out after %s waiting for the write lock", e.Wait)
}

// Is reports whether the target error matches LockTimeoutError.
func (e *LockTimeoutError) Is(err error) bool { return err == ErrLockTimeout }

// IsLockTimeout returns true if the error is a LockTimeoutError.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	var e *LockTimeoutError
	return errors.As(err, &e) || errors.Is(err, ErrLockTimeout)
}

// UnsupportedOperationError reports an operation the engine refuses to
// emulate rather than guess at, e.g. a rewrite touching a column that
// participates in a composite foreign key.
type UnsupportedOperationError struct {
	Operation string
	Reason    string
}

// Error returns the error string.
func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("strata: unsupported operation %s: %s", e.Operation, e.Reason)
}

// Is reports whether the target error matches UnsupportedOperationError.
func (e *UnsupportedOperationError) Is(err error) bool { return err == ErrUnsupported }

// IsUnsupported returns true if the error is an UnsupportedOperationError.
func IsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var e *UnsupportedOperationError
	return errors.As(err, &e) || errors.Is(err, ErrUnsupported)
}

// AmbiguousRenameWarning flags a simultaneous add and drop of
// similarly-typed columns in one diff. The pair is surfaced as two separate
// operations rather than guessed to be a rename, to avoid silent data loss.
// It is advisory data attached to a diff result, never returned as an error.
type AmbiguousRenameWarning struct {
	Table   string
	Added   string
	Dropped string
}

// String returns a human-readable form of the warning.
func (w AmbiguousRenameWarning) String() string {
	return fmt.Sprintf("table %s: add %s / drop %s may be a rename; split into two operations",
		w.Table, w.Added, w.Dropped)
}
