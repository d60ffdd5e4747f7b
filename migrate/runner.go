package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syssam/strata"
	"github.com/syssam/strata/dialect"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/schema"
)

// historyTable is the durable ledger of applied revisions. It is created
// by the first upgrade and owned exclusively by the runner.
const historyTable = "revision_history"

const historyDDL = "CREATE TABLE IF NOT EXISTS `" + historyTable + "` " +
	"(`revision_id` TEXT PRIMARY KEY, `applied_at` TIMESTAMP NOT NULL)"

// LedgerTables returns the names of the tables owned by the runner. They
// are excluded from introspection, diffs and rewrites.
func LedgerTables() []string { return []string{historyTable, checkpointTable} }

// Runner orchestrates applying and reverting revisions. Each revision
// runs in its own exclusive session scope, so a failed revision rolls
// back alone and every earlier revision stays committed
// (revision-granularity atomicity, never whole-plan).
type Runner struct {
	pool       *sqld.Pool
	graph      *Graph
	dir        *Dir
	log        *slog.Logger
	capability Capability
	rewriter   *Rewriter
	checkpoint bool
	lockWait   time.Duration
	// migrating serializes concurrent runs on this runner. The store
	// level lock is the pool's exclusive acquisition; this keeps two
	// upgrades on the same runner from planning against a moving ledger.
	migrating chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithCapability overrides the in-place capability of the store. Tests
// and restricted deployments use RewriteAll to force every alteration
// through the batch rewriter.
func WithCapability(c Capability) RunnerOption {
	return func(r *Runner) { r.capability = c }
}

// WithCheckpoints toggles recording of per-revision snapshot checkpoints.
// Enabled by default.
func WithCheckpoints(on bool) RunnerOption {
	return func(r *Runner) { r.checkpoint = on }
}

// WithLockWait bounds how long a run waits for another run on the same
// runner before failing with a LockTimeoutError.
func WithLockWait(d time.Duration) RunnerOption {
	return func(r *Runner) { r.lockWait = d }
}

// WithDir attaches the revision directory; merge revisions created by
// the runner are persisted to it.
func WithDir(d *Dir) RunnerOption {
	return func(r *Runner) { r.dir = d }
}

// NewRunner creates a migration runner over the pool and revision graph.
func NewRunner(pool *sqld.Pool, graph *Graph, opts ...RunnerOption) *Runner {
	r := &Runner{
		pool:       pool,
		graph:      graph,
		log:        slog.Default(),
		capability: DefaultCapability,
		checkpoint: true,
		lockWait:   sqld.DefaultLockTimeout,
		migrating:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rewriter = NewRewriter(r.log).Skip(historyTable, checkpointTable)
	return r
}

// Graph returns the revision graph the runner plans against.
func (r *Runner) Graph() *Graph { return r.graph }

// lock serializes runs on this runner.
func (r *Runner) lock(ctx context.Context) (func(), error) {
	select {
	case r.migrating <- struct{}{}:
		return func() { <-r.migrating }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.lockWait):
		return nil, &strata.LockTimeoutError{Wait: r.lockWait}
	}
}

// Current returns the ledger record of the most recently applied
// revision, or nil when nothing is applied.
func (r *Runner) Current(ctx context.Context) (*HistoryRecord, error) {
	records, err := r.History(ctx)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[len(records)-1], nil
}

// History returns the ledger in application order.
func (r *Runner) History(ctx context.Context) ([]HistoryRecord, error) {
	h, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return readHistory(ctx, h)
}

func readHistory(ctx context.Context, q dialect.ExecQuerier) ([]HistoryRecord, error) {
	rows := &sqld.Rows{}
	stmt := "SELECT `revision_id`, `applied_at` FROM `" + historyTable + "` ORDER BY rowid"
	if err := q.Query(ctx, stmt, []any{}, rows); err != nil {
		if isNoSuchTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("migrate: read history: %w", err)
	}
	var records []HistoryRecord
	for rows.Next() {
		var (
			rec HistoryRecord
			at  string
		)
		if err := rows.Scan(&rec.RevisionID, &at); err != nil {
			return nil, joinRows(fmt.Errorf("migrate: read history: %w", err), rows)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, joinRows(fmt.Errorf("migrate: history: invalid applied_at %q: %w", at, err), rows)
		}
		rec.AppliedAt = ts
		records = append(records, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return records, nil
}

// isNoSuchTable checks if an error indicates a missing table.
func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Upgrade applies every unapplied revision on the path from the current
// ledger position to target; an empty target resolves to the unique head.
// It returns the revisions applied by this call. On failure, revisions
// applied before the failing one remain committed and the error names the
// offending revision and operation.
func (r *Runner) Upgrade(ctx context.Context, target string) ([]*Revision, error) {
	release, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	from := ""
	if cur != nil {
		from = cur.RevisionID
	}
	path, err := r.graph.UpgradePath(from, target)
	if err != nil {
		return nil, err
	}
	// Replay the applied revisions once so checkpoints can extend the
	// expected structure incrementally.
	state, err := r.replay(applied)
	if err != nil {
		return nil, err
	}
	var done []*Revision
	for _, rev := range path {
		if applied[rev.ID] {
			// Recognized by ledger lookup; never re-executed.
			continue
		}
		if err := r.applyRevision(ctx, rev, state); err != nil {
			return done, err
		}
		done = append(done, rev)
		r.log.Info("revision applied", "id", rev.ID, "message", rev.Message)
	}
	return done, nil
}

// applyRevision runs one revision in its own exclusive session scope and
// appends its ledger record. Everything commits or nothing does.
func (r *Runner) applyRevision(ctx context.Context, rev *Revision, state map[string]*schema.Table) error {
	return r.pool.WithExclusive(ctx, func(ctx context.Context, s *sqld.Session) error {
		if err := r.ensureLedger(ctx, s); err != nil {
			return err
		}
		for _, op := range rev.Operations {
			if err := r.applyOp(ctx, s, op); err != nil {
				return fmt.Errorf("migrate: revision %s: %s: %w", rev.ID, op.Describe(), err)
			}
			if err := Apply(state, op); err != nil {
				return fmt.Errorf("migrate: revision %s: %w", rev.ID, err)
			}
		}
		// In-place operations run with enforcement off on the exclusive
		// connection just like rewrites do, so the whole-store check runs
		// once per revision regardless of how its operations were routed.
		if err := r.rewriter.checkIntegrity(ctx, s); err != nil {
			return fmt.Errorf("migrate: revision %s: %w", rev.ID, err)
		}
		return r.record(ctx, s, rev.ID, state)
	})
}

// applyOp routes one operation: directly when the store supports it in
// place, through the batch rewriter otherwise.
func (r *Runner) applyOp(ctx context.Context, s *sqld.Session, op Op) error {
	if r.capability(op) {
		stmts, err := statements(op)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := exec(ctx, s, stmt); err != nil {
				return err
			}
		}
		return nil
	}
	return r.rewriter.Rewrite(ctx, s, op)
}

// record appends the ledger row and, when enabled, the snapshot
// checkpoint, inside the revision's transaction.
func (r *Runner) record(ctx context.Context, s *sqld.Session, revision string, state map[string]*schema.Table) error {
	stmt := "INSERT INTO `" + historyTable + "` (`revision_id`, `applied_at`) VALUES (?, ?)"
	if err := s.Exec(ctx, stmt, []any{revision, time.Now().UTC().Format(time.RFC3339Nano)}, nil); err != nil {
		return fmt.Errorf("migrate: record revision %s: %w", revision, err)
	}
	if r.checkpoint {
		return writeCheckpoint(ctx, s, revision, state)
	}
	return nil
}

// Downgrade reverts revisions walking the path from the current ledger
// position back to target, applying each operation's declared inverse.
// An empty target reverts to the empty-store baseline. A revision whose
// operations cannot all be inverted fails with an
// IrreversibleOperationError before any of its writes.
func (r *Runner) Downgrade(ctx context.Context, target string) ([]*Revision, error) {
	release, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}
	path, err := r.graph.DowngradePath(cur.RevisionID, target)
	if err != nil {
		return nil, err
	}
	var done []*Revision
	for _, rev := range path {
		if !applied[rev.ID] {
			continue
		}
		inverse, err := rev.Operations.Invert()
		if err != nil {
			var irr *strata.IrreversibleOperationError
			if errors.As(err, &irr) {
				irr.Revision = rev.ID
			}
			return done, err
		}
		if err := r.revertRevision(ctx, rev, inverse); err != nil {
			return done, err
		}
		done = append(done, rev)
		r.log.Info("revision reverted", "id", rev.ID, "message", rev.Message)
	}
	return done, nil
}

func (r *Runner) revertRevision(ctx context.Context, rev *Revision, inverse Operations) error {
	return r.pool.WithExclusive(ctx, func(ctx context.Context, s *sqld.Session) error {
		for _, op := range inverse {
			if err := r.applyOp(ctx, s, op); err != nil {
				return fmt.Errorf("migrate: revert revision %s: %s: %w", rev.ID, op.Describe(), err)
			}
		}
		if err := r.rewriter.checkIntegrity(ctx, s); err != nil {
			return fmt.Errorf("migrate: revert revision %s: %w", rev.ID, err)
		}
		stmt := "DELETE FROM `" + historyTable + "` WHERE `revision_id` = ?"
		if err := s.Exec(ctx, stmt, []any{rev.ID}, nil); err != nil {
			return fmt.Errorf("migrate: unrecord revision %s: %w", rev.ID, err)
		}
		if r.checkpoint {
			return deleteCheckpoint(ctx, s, rev.ID)
		}
		return nil
	})
}

// Stamp marks a revision as applied in the ledger without executing its
// operations. Stamping an already-applied revision is a no-op.
func (r *Runner) Stamp(ctx context.Context, revision string) error {
	release, err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := r.graph.Revision(revision); !ok {
		return fmt.Errorf("migrate: unknown revision %s", revision)
	}
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}
	if applied[revision] {
		return nil
	}
	applied[revision] = true
	state, err := r.replay(applied)
	if err != nil {
		return err
	}
	return r.pool.WithSession(ctx, func(ctx context.Context, s *sqld.Session) error {
		if err := r.ensureLedger(ctx, s); err != nil {
			return err
		}
		return r.record(ctx, s, revision, state)
	})
}

// Merge creates a merge revision unifying the two given revisions,
// usually the current heads, adds it to the graph and persists it to the
// revision directory when one is attached.
func (r *Runner) Merge(rev1, rev2, message string) (*Revision, error) {
	for _, id := range []string{rev1, rev2} {
		if _, ok := r.graph.Revision(id); !ok {
			return nil, fmt.Errorf("migrate: unknown revision %s", id)
		}
	}
	rev := NewRevision(message, []string{rev1, rev2})
	if err := r.graph.Add(rev); err != nil {
		return nil, err
	}
	if r.dir != nil {
		if err := r.dir.WriteRevision(rev); err != nil {
			return nil, err
		}
	}
	return rev, nil
}

// Verify checks the replay-equivalence invariant: the live structure of
// the store must be structurally identical to the result of replaying
// every applied revision from an empty store.
func (r *Runner) Verify(ctx context.Context) error {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}
	expected, err := r.replay(applied)
	if err != nil {
		return err
	}
	h, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	live, err := InspectTables(ctx, h, historyTable, checkpointTable)
	if err != nil {
		return err
	}
	if len(live) != len(expected) {
		return fmt.Errorf("migrate: verify: store has %d tables, replay expects %d", len(live), len(expected))
	}
	for _, t := range live {
		want, ok := expected[t.Name]
		if !ok {
			return fmt.Errorf("migrate: verify: unexpected table %s", t.Name)
		}
		if !t.Equal(want) {
			return fmt.Errorf("migrate: verify: table %s diverges from replayed structure", t.Name)
		}
	}
	return nil
}

// appliedSet returns the set of applied revision ids.
func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	records, err := r.History(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(records))
	for _, rec := range records {
		set[rec.RevisionID] = true
	}
	return set, nil
}

// replay rebuilds the expected snapshot set by applying every applied
// revision, in deterministic graph order, to an empty store.
func (r *Runner) replay(applied map[string]bool) (map[string]*schema.Table, error) {
	state := make(map[string]*schema.Table)
	for _, rev := range r.graph.topo() {
		if !applied[rev.ID] {
			continue
		}
		for _, op := range rev.Operations {
			if err := Apply(state, op); err != nil {
				return nil, fmt.Errorf("migrate: replay revision %s: %w", rev.ID, err)
			}
		}
	}
	return state, nil
}

func (r *Runner) ensureLedger(ctx context.Context, s *sqld.Session) error {
	if err := s.Exec(ctx, historyDDL, []any{}, nil); err != nil {
		return fmt.Errorf("migrate: create history table: %w", err)
	}
	if r.checkpoint {
		if err := s.Exec(ctx, checkpointDDL, []any{}, nil); err != nil {
			return fmt.Errorf("migrate: create checkpoint table: %w", err)
		}
	}
	return nil
}
