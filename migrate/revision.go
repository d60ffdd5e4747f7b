package migrate

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Revision is an immutable, identified unit of schema change. The common
// linear case has exactly one parent; a merge revision has two or more.
// The root revision has none. Whether a revision has been applied lives in
// the history ledger, never on the revision itself.
type Revision struct {
	// ID is an opaque unique identifier. Never reused.
	ID string `yaml:"id"`
	// Parents are the identifiers of the parent revisions, in declaration
	// order.
	Parents []string `yaml:"parents,omitempty"`
	// Message is the author's description.
	Message string `yaml:"message,omitempty"`
	// CreatedAt orders revisions for deterministic traversal tie-breaks.
	CreatedAt time.Time `yaml:"created_at"`
	// Operations applied by this revision, in order.
	Operations Operations `yaml:"operations,omitempty"`
}

// NewRevisionID generates an opaque revision identifier: 12 hex characters
// from a random UUID. Collisions are rejected by the graph.
func NewRevisionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// NewRevision creates a revision with a fresh identifier.
func NewRevision(message string, parents []string, ops ...Op) *Revision {
	return &Revision{
		ID:         NewRevisionID(),
		Parents:    parents,
		Message:    message,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Operations: ops,
	}
}

// Merge reports whether the revision unifies two or more branches.
func (r *Revision) Merge() bool { return len(r.Parents) >= 2 }

// Root reports whether the revision has no parents.
func (r *Revision) Root() bool { return len(r.Parents) == 0 }

// HistoryRecord is one row of the history ledger: the durable record that
// a revision has been applied. The ledger is owned exclusively by the
// migration runner.
type HistoryRecord struct {
	RevisionID string
	AppliedAt  time.Time
}
