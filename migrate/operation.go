// Package migrate implements the core of the engine: the revision graph,
// the schema introspector and differ, the batch table rewriter and the
// migration runner.
package migrate

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/syssam/strata"
	"github.com/syssam/strata/schema"
)

// Op is a single schema change. The set of operations is closed: every
// executor dispatches with an exhaustive type switch, so a new store
// backend is one switch away, not a hunt through scattered overrides.
type Op interface {
	// TableName returns the table the operation targets.
	TableName() string
	// Describe returns a short human-readable form, e.g. "add_column users.phone".
	Describe() string
	// Invert returns the inverse operation, or an IrreversibleOperationError
	// if the operation discards data that cannot be fabricated back.
	Invert() (Op, error)

	op()
}

// Operations is an ordered sequence of schema changes.
type Operations []Op

type (
	// CreateTable creates a table from its full snapshot.
	CreateTable struct {
		Table *schema.Table
	}

	// DropTable drops a table by name. It carries no snapshot and is
	// therefore irreversible.
	DropTable struct {
		Name string
	}

	// AddColumn adds a column to an existing table.
	AddColumn struct {
		Table  string
		Column *schema.Column
	}

	// DropColumn removes a column. The column's data is discarded, so the
	// operation has no inverse.
	DropColumn struct {
		Table  string
		Column string
	}

	// AlterColumnType changes a column's type or nullability. From is the
	// column before the change and To after; the inverse swaps them.
	AlterColumnType struct {
		Table string
		From  *schema.Column
		To    *schema.Column
	}

	// CreateIndex creates an index.
	CreateIndex struct {
		Table string
		Index *schema.Index
	}

	// DropIndex drops an index. The full definition is carried so the
	// operation stays invertible.
	DropIndex struct {
		Table string
		Index *schema.Index
	}

	// AddForeignKey adds a reference constraint to an existing table.
	AddForeignKey struct {
		Table      string
		ForeignKey *schema.ForeignKey
	}

	// DropForeignKey removes a reference constraint. The full definition
	// is carried so the operation stays invertible.
	DropForeignKey struct {
		Table      string
		ForeignKey *schema.ForeignKey
	}
)

func (*CreateTable) op()     {}
func (*DropTable) op()       {}
func (*AddColumn) op()       {}
func (*DropColumn) op()      {}
func (*AlterColumnType) op() {}
func (*CreateIndex) op()     {}
func (*DropIndex) op()       {}
func (*AddForeignKey) op()   {}
func (*DropForeignKey) op()  {}

// TableName implements Op.
func (o *CreateTable) TableName() string     { return o.Table.Name }
func (o *DropTable) TableName() string       { return o.Name }
func (o *AddColumn) TableName() string       { return o.Table }
func (o *DropColumn) TableName() string      { return o.Table }
func (o *AlterColumnType) TableName() string { return o.Table }
func (o *CreateIndex) TableName() string     { return o.Table }
func (o *DropIndex) TableName() string       { return o.Table }
func (o *AddForeignKey) TableName() string   { return o.Table }
func (o *DropForeignKey) TableName() string  { return o.Table }

// Describe implements Op.
func (o *CreateTable) Describe() string { return "create_table " + o.Table.Name }
func (o *DropTable) Describe() string   { return "drop_table " + o.Name }
func (o *AddColumn) Describe() string {
	return fmt.Sprintf("add_column %s.%s", o.Table, o.Column.Name)
}
func (o *DropColumn) Describe() string {
	return fmt.Sprintf("drop_column %s.%s", o.Table, o.Column)
}
func (o *AlterColumnType) Describe() string {
	return fmt.Sprintf("alter_column_type %s.%s", o.Table, o.To.Name)
}
func (o *CreateIndex) Describe() string {
	return fmt.Sprintf("create_index %s.%s", o.Table, o.Index.Name)
}
func (o *DropIndex) Describe() string {
	return fmt.Sprintf("drop_index %s.%s", o.Table, o.Index.Name)
}
func (o *AddForeignKey) Describe() string {
	return fmt.Sprintf("add_foreign_key %s.%s", o.Table, o.ForeignKey.Symbol)
}
func (o *DropForeignKey) Describe() string {
	return fmt.Sprintf("drop_foreign_key %s.%s", o.Table, o.ForeignKey.Symbol)
}

// Invert implements Op.
func (o *CreateTable) Invert() (Op, error) { return &DropTable{Name: o.Table.Name}, nil }

func (o *DropTable) Invert() (Op, error) {
	return nil, &strata.IrreversibleOperationError{Operation: o.Describe()}
}

func (o *AddColumn) Invert() (Op, error) {
	return &DropColumn{Table: o.Table, Column: o.Column.Name}, nil
}

func (o *DropColumn) Invert() (Op, error) {
	return nil, &strata.IrreversibleOperationError{Operation: o.Describe()}
}

func (o *AlterColumnType) Invert() (Op, error) {
	if o.From == nil {
		return nil, &strata.IrreversibleOperationError{Operation: o.Describe()}
	}
	return &AlterColumnType{Table: o.Table, From: o.To, To: o.From}, nil
}

func (o *CreateIndex) Invert() (Op, error) {
	return &DropIndex{Table: o.Table, Index: o.Index.Clone()}, nil
}

func (o *DropIndex) Invert() (Op, error) {
	if len(o.Index.Columns) == 0 {
		return nil, &strata.IrreversibleOperationError{Operation: o.Describe()}
	}
	return &CreateIndex{Table: o.Table, Index: o.Index.Clone()}, nil
}

func (o *AddForeignKey) Invert() (Op, error) {
	return &DropForeignKey{Table: o.Table, ForeignKey: o.ForeignKey.Clone()}, nil
}

func (o *DropForeignKey) Invert() (Op, error) {
	if len(o.ForeignKey.Columns) == 0 {
		return nil, &strata.IrreversibleOperationError{Operation: o.Describe()}
	}
	return &AddForeignKey{Table: o.Table, ForeignKey: o.ForeignKey.Clone()}, nil
}

// Invert returns the inverse sequence: each operation inverted, in
// reverse order. It fails before returning any operation if one of them
// has no inverse.
func (ops Operations) Invert() (Operations, error) {
	inv := make(Operations, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op, err := ops[i].Invert()
		if err != nil {
			return nil, err
		}
		inv = append(inv, op)
	}
	return inv, nil
}

// Apply transforms the store snapshot (a table set keyed by name) with the
// operation. It is the single source of truth for what an operation means
// structurally: the rewriter uses it to compute target snapshots and the
// runner uses it to replay applied revisions from empty.
func Apply(tables map[string]*schema.Table, op Op) error {
	lookup := func(name string) (*schema.Table, error) {
		t, ok := tables[name]
		if !ok {
			return nil, fmt.Errorf("migrate: %s: table %s does not exist", op.Describe(), name)
		}
		return t, nil
	}
	switch op := op.(type) {
	case *CreateTable:
		if _, ok := tables[op.Table.Name]; ok {
			return fmt.Errorf("migrate: %s: table already exists", op.Describe())
		}
		tables[op.Table.Name] = op.Table.Clone()
	case *DropTable:
		if _, err := lookup(op.Name); err != nil {
			return err
		}
		delete(tables, op.Name)
	case *AddColumn:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		if t.HasColumn(op.Column.Name) {
			return fmt.Errorf("migrate: %s: column already exists", op.Describe())
		}
		t.AddColumn(op.Column.Clone())
	case *DropColumn:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		if !t.RemoveColumn(op.Column) {
			return fmt.Errorf("migrate: %s: column does not exist", op.Describe())
		}
	case *AlterColumnType:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		c, ok := t.Column(op.To.Name)
		if !ok {
			return fmt.Errorf("migrate: %s: column does not exist", op.Describe())
		}
		*c = *op.To.Clone()
	case *CreateIndex:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		if _, ok := t.Index(op.Index.Name); ok {
			return fmt.Errorf("migrate: %s: index already exists", op.Describe())
		}
		t.Indexes = append(t.Indexes, op.Index.Clone())
	case *DropIndex:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(t.Indexes, func(idx *schema.Index) bool { return idx.Name == op.Index.Name })
		if i < 0 {
			return fmt.Errorf("migrate: %s: index does not exist", op.Describe())
		}
		t.Indexes = slices.Delete(t.Indexes, i, i+1)
	case *AddForeignKey:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		if _, ok := t.ForeignKey(op.ForeignKey.Symbol); ok {
			return fmt.Errorf("migrate: %s: constraint already exists", op.Describe())
		}
		t.AddForeignKey(op.ForeignKey.Clone())
	case *DropForeignKey:
		t, err := lookup(op.Table)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(t.ForeignKeys, func(fk *schema.ForeignKey) bool { return fk.Symbol == op.ForeignKey.Symbol })
		if i < 0 {
			return fmt.Errorf("migrate: %s: constraint does not exist", op.Describe())
		}
		t.ForeignKeys = slices.Delete(t.ForeignKeys, i, i+1)
	default:
		return fmt.Errorf("migrate: unknown operation %T", op)
	}
	return nil
}

// Capability reports whether the store executes an operation as a direct
// in-place statement. Anything else goes through the batch rewriter.
type Capability func(Op) bool

// DefaultCapability is the capability of the embedded store. SQLite can
// create and drop whole tables and indexes, and can add a column in place
// as long as it is not unique, not a key, and either nullable or carrying
// a default for existing rows. Everything else requires a rebuild.
func DefaultCapability(op Op) bool {
	switch op := op.(type) {
	case *CreateTable, *DropTable, *CreateIndex, *DropIndex:
		return true
	case *AddColumn:
		c := op.Column
		return !c.Unique && !c.Increment && (c.Nullable || c.HasDefault())
	default:
		return false
	}
}

// RewriteAll is a capability for stores (or test setups) that forbid any
// in-place alteration besides whole-table creation and drops.
func RewriteAll(op Op) bool {
	switch op.(type) {
	case *CreateTable, *DropTable:
		return true
	}
	return false
}

// statements returns the direct SQL for an in-place operation.
func statements(op Op) ([]string, error) {
	switch op := op.(type) {
	case *CreateTable:
		stmts := []string{op.Table.DDL()}
		for _, idx := range op.Table.Indexes {
			stmts = append(stmts, idx.DDL(op.Table.Name))
		}
		return stmts, nil
	case *DropTable:
		return []string{"DROP TABLE " + schema.Quote(op.Name)}, nil
	case *AddColumn:
		t := schema.NewTable(op.Table)
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			schema.Quote(op.Table), t.ColumnDDL(op.Column))}, nil
	case *CreateIndex:
		return []string{op.Index.DDL(op.Table)}, nil
	case *DropIndex:
		return []string{"DROP INDEX " + schema.Quote(op.Index.Name)}, nil
	default:
		return nil, &strata.UnsupportedOperationError{
			Operation: op.Describe(),
			Reason:    "no in-place form; use the batch rewriter",
		}
	}
}

// opDoc is the flat YAML representation of an operation in revision files.
type opDoc struct {
	Kind       string             `yaml:"kind"`
	Table      string             `yaml:"table,omitempty"`
	TableDef   *schema.Table      `yaml:"table_def,omitempty"`
	Column     *schema.Column     `yaml:"column,omitempty"`
	ColumnName string             `yaml:"column_name,omitempty"`
	From       *schema.Column     `yaml:"from,omitempty"`
	To         *schema.Column     `yaml:"to,omitempty"`
	Index      *schema.Index      `yaml:"index,omitempty"`
	ForeignKey *schema.ForeignKey `yaml:"foreign_key,omitempty"`
}

// Operation kinds in revision files.
const (
	kindCreateTable     = "create_table"
	kindDropTable       = "drop_table"
	kindAddColumn       = "add_column"
	kindDropColumn      = "drop_column"
	kindAlterColumnType = "alter_column_type"
	kindCreateIndex     = "create_index"
	kindDropIndex       = "drop_index"
	kindAddForeignKey   = "add_foreign_key"
	kindDropForeignKey  = "drop_foreign_key"
)

func (op *CreateTable) doc() opDoc {
	return opDoc{Kind: kindCreateTable, TableDef: op.Table}
}
func (op *DropTable) doc() opDoc { return opDoc{Kind: kindDropTable, Table: op.Name} }
func (op *AddColumn) doc() opDoc {
	return opDoc{Kind: kindAddColumn, Table: op.Table, Column: op.Column}
}
func (op *DropColumn) doc() opDoc {
	return opDoc{Kind: kindDropColumn, Table: op.Table, ColumnName: op.Column}
}
func (op *AlterColumnType) doc() opDoc {
	return opDoc{Kind: kindAlterColumnType, Table: op.Table, From: op.From, To: op.To}
}
func (op *CreateIndex) doc() opDoc {
	return opDoc{Kind: kindCreateIndex, Table: op.Table, Index: op.Index}
}
func (op *DropIndex) doc() opDoc {
	return opDoc{Kind: kindDropIndex, Table: op.Table, Index: op.Index}
}
func (op *AddForeignKey) doc() opDoc {
	return opDoc{Kind: kindAddForeignKey, Table: op.Table, ForeignKey: op.ForeignKey}
}
func (op *DropForeignKey) doc() opDoc {
	return opDoc{Kind: kindDropForeignKey, Table: op.Table, ForeignKey: op.ForeignKey}
}

// MarshalYAML implements yaml.Marshaler.
func (ops Operations) MarshalYAML() (any, error) {
	docs := make([]opDoc, len(ops))
	for i, op := range ops {
		switch op := op.(type) {
		case *CreateTable:
			docs[i] = op.doc()
		case *DropTable:
			docs[i] = op.doc()
		case *AddColumn:
			docs[i] = op.doc()
		case *DropColumn:
			docs[i] = op.doc()
		case *AlterColumnType:
			docs[i] = op.doc()
		case *CreateIndex:
			docs[i] = op.doc()
		case *DropIndex:
			docs[i] = op.doc()
		case *AddForeignKey:
			docs[i] = op.doc()
		case *DropForeignKey:
			docs[i] = op.doc()
		default:
			return nil, fmt.Errorf("migrate: cannot encode operation %T", op)
		}
	}
	return docs, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (ops *Operations) UnmarshalYAML(node *yaml.Node) error {
	var docs []opDoc
	if err := node.Decode(&docs); err != nil {
		return err
	}
	out := make(Operations, 0, len(docs))
	for _, d := range docs {
		op, err := d.operation()
		if err != nil {
			return err
		}
		out = append(out, op)
	}
	*ops = out
	return nil
}

func (d opDoc) operation() (Op, error) {
	switch d.Kind {
	case kindCreateTable:
		if d.TableDef == nil {
			return nil, fmt.Errorf("migrate: %s: missing table_def", d.Kind)
		}
		return &CreateTable{Table: d.TableDef}, nil
	case kindDropTable:
		return &DropTable{Name: d.Table}, nil
	case kindAddColumn:
		if d.Column == nil {
			return nil, fmt.Errorf("migrate: %s: missing column", d.Kind)
		}
		return &AddColumn{Table: d.Table, Column: d.Column}, nil
	case kindDropColumn:
		return &DropColumn{Table: d.Table, Column: d.ColumnName}, nil
	case kindAlterColumnType:
		if d.To == nil {
			return nil, fmt.Errorf("migrate: %s: missing target column", d.Kind)
		}
		return &AlterColumnType{Table: d.Table, From: d.From, To: d.To}, nil
	case kindCreateIndex:
		if d.Index == nil {
			return nil, fmt.Errorf("migrate: %s: missing index", d.Kind)
		}
		return &CreateIndex{Table: d.Table, Index: d.Index}, nil
	case kindDropIndex:
		if d.Index == nil {
			return nil, fmt.Errorf("migrate: %s: missing index", d.Kind)
		}
		return &DropIndex{Table: d.Table, Index: d.Index}, nil
	case kindAddForeignKey:
		if d.ForeignKey == nil {
			return nil, fmt.Errorf("migrate: %s: missing foreign_key", d.Kind)
		}
		return &AddForeignKey{Table: d.Table, ForeignKey: d.ForeignKey}, nil
	case kindDropForeignKey:
		if d.ForeignKey == nil {
			return nil, fmt.Errorf("migrate: %s: missing foreign_key", d.Kind)
		}
		return &DropForeignKey{Table: d.Table, ForeignKey: d.ForeignKey}, nil
	default:
		return nil, fmt.Errorf("migrate: unknown operation kind %q", d.Kind)
	}
}
