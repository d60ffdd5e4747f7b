package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/syssam/strata"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/schema"
)

// shadowPrefix names the temporary table a rebuild writes into before the
// swap. The name never survives a committed rewrite.
const shadowPrefix = "_strata_new_"

// Rewriter applies operations the store cannot execute in place by
// rebuilding the table under a shadow name and swapping it in. A rewrite
// runs entirely inside the session's transaction: on any failure the
// transaction rolls back and the caller observes no change.
//
// The session must be an exclusive scope: foreign-key enforcement is off
// on its connection, and the rewriter re-verifies referential integrity
// across the whole store with PRAGMA foreign_key_check before returning.
type Rewriter struct {
	log *slog.Logger
	// skip lists table names excluded from introspection, e.g. the
	// runner's ledger tables.
	skip []string
}

// NewRewriter returns a batch table rewriter.
func NewRewriter(logger ...*slog.Logger) *Rewriter {
	l := slog.Default()
	if len(logger) == 1 {
		l = logger[0]
	}
	return &Rewriter{log: l}
}

// Skip excludes table names from introspection during rewrites.
func (r *Rewriter) Skip(names ...string) *Rewriter {
	r.skip = append(r.skip, names...)
	return r
}

// Rewrite applies op to its table via a shadow-table rebuild inside the
// session transaction.
func (r *Rewriter) Rewrite(ctx context.Context, s *sqld.Session, op Op) error {
	name := op.TableName()
	live, err := InspectTables(ctx, s, r.skip...)
	if err != nil {
		return err
	}
	tables := make(map[string]*schema.Table, len(live))
	for _, t := range live {
		tables[t.Name] = t
	}
	current, ok := tables[name]
	if !ok {
		return fmt.Errorf("migrate: %s: table %s does not exist", op.Describe(), name)
	}
	if err := r.checkComposite(op, current, live); err != nil {
		return err
	}
	if err := r.checkConvertible(op, current); err != nil {
		return err
	}
	// Compute the target snapshot by applying the operation to a copy of
	// the current structure.
	target := make(map[string]*schema.Table, len(tables))
	for n, t := range tables {
		target[n] = t.Clone()
	}
	if err := Apply(target, op); err != nil {
		return err
	}
	goal, ok := target[name]
	if !ok {
		return fmt.Errorf("migrate: %s: operation removed its own table; use a direct drop", op.Describe())
	}
	if err := r.checkDefaults(ctx, s, current, goal); err != nil {
		return err
	}
	shadow := shadowPrefix + name
	r.log.Debug("batch rewrite", "table", name, "op", op.Describe(), "shadow", shadow)

	// Build the shadow, copy the intersection, swap, and re-verify.
	if err := exec(ctx, s, goal.DDL(shadow)); err != nil {
		return fmt.Errorf("migrate: %s: create shadow table: %w", op.Describe(), err)
	}
	if cols := intersection(current, goal); len(cols) > 0 {
		stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			schema.Quote(shadow), schema.QuoteAll(cols), schema.QuoteAll(cols), schema.Quote(name))
		if err := exec(ctx, s, stmt); err != nil {
			return fmt.Errorf("migrate: %s: copy rows: %w", op.Describe(), err)
		}
	}
	if err := exec(ctx, s, "DROP TABLE "+schema.Quote(name)); err != nil {
		return fmt.Errorf("migrate: %s: drop original: %w", op.Describe(), err)
	}
	if err := exec(ctx, s, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", schema.Quote(shadow), schema.Quote(name))); err != nil {
		return fmt.Errorf("migrate: %s: rename shadow: %w", op.Describe(), err)
	}
	for _, idx := range goal.Indexes {
		if err := exec(ctx, s, idx.DDL(name)); err != nil {
			return fmt.Errorf("migrate: %s: recreate index %s: %w", op.Describe(), idx.Name, err)
		}
	}
	// Foreign keys on other tables reference the original name textually
	// and re-point through the drop/rename cycle; the whole-store check
	// below is what guarantees they still resolve.
	if err := r.checkIntegrity(ctx, s); err != nil {
		return err
	}
	return nil
}

// checkComposite rejects rewrites touching a column that participates in
// a composite foreign key, on the rewritten table or on a table
// referencing it. Cascading a partial change through a multi-column key
// is not defined; refusing beats guessing.
func (r *Rewriter) checkComposite(op Op, current *schema.Table, live []*schema.Table) error {
	var column string
	switch op := op.(type) {
	case *DropColumn:
		column = op.Column
	case *AlterColumnType:
		column = op.To.Name
	default:
		return nil
	}
	for _, t := range live {
		for _, fk := range t.ForeignKeys {
			if !fk.Composite() {
				continue
			}
			if fk.References(current.Name, column, t.Name) {
				return &strata.UnsupportedOperationError{
					Operation: op.Describe(),
					Reason: fmt.Sprintf("column %s participates in composite foreign key %s on table %s",
						column, fk.Symbol, t.Name),
				}
			}
		}
	}
	return nil
}

// checkConvertible refuses column type changes that could mangle stored
// values during the row copy. Identical types, widenings and conversion
// to text pass; everything else is refused before any DDL.
func (r *Rewriter) checkConvertible(op Op, current *schema.Table) error {
	alter, ok := op.(*AlterColumnType)
	if !ok {
		return nil
	}
	cur, ok := current.Column(alter.To.Name)
	if !ok {
		return fmt.Errorf("migrate: %s: column %s does not exist", op.Describe(), alter.To.Name)
	}
	if !cur.ConvertibleTo(alter.To) {
		return &strata.UnsupportedOperationError{
			Operation: op.Describe(),
			Reason:    fmt.Sprintf("conversion from %s to %s may lose data", cur.Type, alter.To.Type),
		}
	}
	return nil
}

// checkDefaults verifies every column new to the target can be populated
// for the rows already in the table: by its declared default, or by NULL
// if nullable.
func (r *Rewriter) checkDefaults(ctx context.Context, s *sqld.Session, current, goal *schema.Table) error {
	var missing []*schema.Column
	for _, c := range goal.Columns {
		if current.HasColumn(c.Name) {
			continue
		}
		if !c.Nullable && !c.HasDefault() {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	// Harmless on an empty table: the copy inserts no rows.
	rows := &sqld.Rows{}
	if err := s.Query(ctx, "SELECT COUNT(*) FROM "+schema.Quote(current.Name), []any{}, rows); err != nil {
		return fmt.Errorf("migrate: count %s: %w", current.Name, err)
	}
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return joinRows(fmt.Errorf("migrate: count %s: %w", current.Name, err), rows)
		}
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return &strata.NonNullableWithoutDefaultError{Table: goal.Name, Column: missing[0].Name}
}

// checkIntegrity runs the whole-store foreign-key check inside the
// transaction and fails the rewrite on any violation.
func (r *Rewriter) checkIntegrity(ctx context.Context, s *sqld.Session) error {
	rows := &sqld.Rows{}
	if err := s.Query(ctx, "PRAGMA foreign_key_check", []any{}, rows); err != nil {
		return fmt.Errorf("migrate: foreign_key_check: %w", err)
	}
	var (
		table      string
		violations int
	)
	for rows.Next() {
		var (
			tbl    string
			rowid  sqld.NullInt64
			parent string
			fkid   int
		)
		if err := rows.Scan(&tbl, &rowid, &parent, &fkid); err != nil {
			return joinRows(fmt.Errorf("migrate: foreign_key_check: scan: %w", err), rows)
		}
		if table == "" {
			table = tbl
		}
		violations++
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	if violations > 0 {
		return &strata.IntegrityViolationError{Table: table, Violations: violations}
	}
	return nil
}

// intersection returns the column names present in both snapshots, in the
// current table's column order.
func intersection(current, goal *schema.Table) []string {
	var cols []string
	for _, c := range current.Columns {
		if goal.HasColumn(c.Name) {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func exec(ctx context.Context, s *sqld.Session, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	return s.Exec(ctx, stmt, []any{}, nil)
}
