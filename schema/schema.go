// Package schema holds the snapshot data model of the migration engine:
// the full declared or introspected structure of a table, with columns,
// indexes and foreign keys. Snapshots are the unit compared by the
// introspector diff and the blueprint for shadow-table rebuilds.
package schema

import (
	"fmt"
	"slices"
)

// Type is a column type of the embedded store. The constants cover the
// types the engine knows how to invert and copy; an introspected column of
// any other declared type round-trips verbatim through the open string.
type Type string

// Column types.
const (
	TypeInteger Type = "integer"
	TypeText    Type = "text"
	TypeReal    Type = "real"
	TypeBlob    Type = "blob"
	TypeBool    Type = "bool"
	TypeTime    Type = "timestamp"
	TypeUUID    Type = "uuid"
	TypeJSON    Type = "json"
)

// Valid reports whether t is one of the known column types.
func (t Type) Valid() bool {
	switch t {
	case TypeInteger, TypeText, TypeReal, TypeBlob, TypeBool, TypeTime, TypeUUID, TypeJSON:
		return true
	}
	return false
}

// ReferenceOption for constraint actions.
type ReferenceOption string

// Reference options (actions) specified by ON UPDATE and ON DELETE
// subclauses of the FOREIGN KEY clause.
const (
	NoAction   ReferenceOption = "NO ACTION"
	Restrict   ReferenceOption = "RESTRICT"
	Cascade    ReferenceOption = "CASCADE"
	SetNull    ReferenceOption = "SET NULL"
	SetDefault ReferenceOption = "SET DEFAULT"
)

// Column is a single column of a table snapshot.
type Column struct {
	// Name of the column.
	Name string `yaml:"name"`
	// Type of the column.
	Type Type `yaml:"type"`
	// Nullable reports whether the column may hold NULL.
	Nullable bool `yaml:"nullable,omitempty"`
	// Default value, if declared. Scalars only (string, int64, float64,
	// bool); used verbatim to populate existing rows during rebuilds.
	Default any `yaml:"default,omitempty"`
	// Unique adds a column-level unique constraint.
	Unique bool `yaml:"unique,omitempty"`
	// Increment marks a single-column integer primary key as
	// auto-incrementing.
	Increment bool `yaml:"increment,omitempty"`
}

// HasDefault reports whether the column declares a default value.
func (c *Column) HasDefault() bool { return c.Default != nil }

// Clone returns a copy of the column.
func (c *Column) Clone() *Column {
	cc := *c
	return &cc
}

// Index is a table index over one or more columns.
type Index struct {
	Name    string   `yaml:"name"`
	Unique  bool     `yaml:"unique,omitempty"`
	Columns []string `yaml:"columns"`
}

// Clone returns a copy of the index.
func (i *Index) Clone() *Index {
	return &Index{Name: i.Name, Unique: i.Unique, Columns: slices.Clone(i.Columns)}
}

// ForeignKey is a reference constraint. Columns are referenced by name,
// never by pointer, so snapshots serialize and compare structurally.
type ForeignKey struct {
	// Symbol is the constraint name.
	Symbol string `yaml:"symbol"`
	// Columns of the constraint on the owning table.
	Columns []string `yaml:"columns"`
	// RefTable is the referenced table name.
	RefTable string `yaml:"ref_table"`
	// RefColumns are the referenced column names.
	RefColumns []string `yaml:"ref_columns"`
	// OnUpdate action.
	OnUpdate ReferenceOption `yaml:"on_update,omitempty"`
	// OnDelete action.
	OnDelete ReferenceOption `yaml:"on_delete,omitempty"`
}

// Composite reports whether the constraint spans more than one column.
func (fk *ForeignKey) Composite() bool {
	return len(fk.Columns) > 1 || len(fk.RefColumns) > 1
}

// References reports whether the constraint touches the named column,
// either locally or on the referenced side.
func (fk *ForeignKey) References(table, column string, owner string) bool {
	if owner != "" && slices.Contains(fk.Columns, column) && owner == table {
		return true
	}
	return fk.RefTable == table && slices.Contains(fk.RefColumns, column)
}

// Clone returns a copy of the foreign key.
func (fk *ForeignKey) Clone() *ForeignKey {
	return &ForeignKey{
		Symbol:     fk.Symbol,
		Columns:    slices.Clone(fk.Columns),
		RefTable:   fk.RefTable,
		RefColumns: slices.Clone(fk.RefColumns),
		OnUpdate:   fk.OnUpdate,
		OnDelete:   fk.OnDelete,
	}
}

// Table is the snapshot of one table.
type Table struct {
	Name        string        `yaml:"name"`
	Columns     []*Column     `yaml:"columns"`
	PrimaryKey  []string      `yaml:"primary_key,omitempty"`
	Indexes     []*Index      `yaml:"indexes,omitempty"`
	ForeignKeys []*ForeignKey `yaml:"foreign_keys,omitempty"`
}

// NewTable returns a new table with the given name.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// AddColumn adds a new column to the table.
func (t *Table) AddColumn(c *Column) *Table {
	t.Columns = append(t.Columns, c)
	return t
}

// AddIndex creates and adds a new index to the table from the given options.
func (t *Table) AddIndex(name string, unique bool, columns []string) *Table {
	t.Indexes = append(t.Indexes, &Index{Name: name, Unique: unique, Columns: slices.Clone(columns)})
	return t
}

// AddForeignKey adds a foreign key to the table.
func (t *Table) AddForeignKey(fk *ForeignKey) *Table {
	t.ForeignKeys = append(t.ForeignKeys, fk)
	return t
}

// SetPrimaryKey sets the primary key columns.
func (t *Table) SetPrimaryKey(columns ...string) *Table {
	t.PrimaryKey = columns
	return t
}

// HasColumn reports if the table contains a column with the given name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// Column returns the column with the given name, if it exists.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Index returns the index with the given name, if it exists.
func (t *Table) Index(name string) (*Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

// ForeignKey returns the constraint with the given symbol, if it exists.
func (t *Table) ForeignKey(symbol string) (*ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Symbol == symbol {
			return fk, true
		}
	}
	return nil, false
}

// RemoveColumn removes the named column. It reports whether the column
// existed.
func (t *Table) RemoveColumn(name string) bool {
	for i, c := range t.Columns {
		if c.Name == name {
			t.Columns = slices.Delete(t.Columns, i, i+1)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the table snapshot.
func (t *Table) Clone() *Table {
	ct := &Table{Name: t.Name, PrimaryKey: slices.Clone(t.PrimaryKey)}
	for _, c := range t.Columns {
		ct.Columns = append(ct.Columns, c.Clone())
	}
	for _, idx := range t.Indexes {
		ct.Indexes = append(ct.Indexes, idx.Clone())
	}
	for _, fk := range t.ForeignKeys {
		ct.ForeignKeys = append(ct.ForeignKeys, fk.Clone())
	}
	return ct
}

// Validate reports structural problems in a declared snapshot: duplicate
// or invalid names, unknown primary-key/index/constraint columns.
func (t *Table) Validate() error {
	if !ValidIdent(t.Name) {
		return fmt.Errorf("schema: invalid table name %q", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if !ValidIdent(c.Name) {
			return fmt.Errorf("schema: table %s: invalid column name %q", t.Name, c.Name)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("schema: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for _, name := range t.PrimaryKey {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("schema: table %s: primary key references unknown column %q", t.Name, name)
		}
	}
	for _, idx := range t.Indexes {
		if !ValidIdent(idx.Name) {
			return fmt.Errorf("schema: table %s: invalid index name %q", t.Name, idx.Name)
		}
		for _, name := range idx.Columns {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("schema: table %s: index %s references unknown column %q", t.Name, idx.Name, name)
			}
		}
	}
	for _, fk := range t.ForeignKeys {
		if !ValidIdent(fk.Symbol) {
			return fmt.Errorf("schema: table %s: invalid constraint symbol %q", t.Name, fk.Symbol)
		}
		if len(fk.Columns) != len(fk.RefColumns) {
			return fmt.Errorf("schema: table %s: constraint %s: column count mismatch", t.Name, fk.Symbol)
		}
		for _, name := range fk.Columns {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("schema: table %s: constraint %s references unknown column %q", t.Name, fk.Symbol, name)
			}
		}
	}
	return nil
}

// Equal reports whether two snapshots are structurally identical: same
// columns (order-sensitive: column order is part of table structure),
// same primary key, and the same index/constraint sets regardless of
// declaration order.
func (t *Table) Equal(other *Table) bool {
	if t.Name != other.Name || len(t.Columns) != len(other.Columns) ||
		!slices.Equal(t.PrimaryKey, other.PrimaryKey) ||
		len(t.Indexes) != len(other.Indexes) || len(t.ForeignKeys) != len(other.ForeignKeys) {
		return false
	}
	for i, c := range t.Columns {
		if !columnEqual(c, other.Columns[i]) {
			return false
		}
	}
	for _, idx := range t.Indexes {
		o, ok := other.Index(idx.Name)
		if !ok || o.Unique != idx.Unique || !slices.Equal(o.Columns, idx.Columns) {
			return false
		}
	}
	for _, fk := range t.ForeignKeys {
		o, ok := other.ForeignKey(fk.Symbol)
		if !ok || o.RefTable != fk.RefTable ||
			!slices.Equal(o.Columns, fk.Columns) || !slices.Equal(o.RefColumns, fk.RefColumns) ||
			normalizeAction(o.OnDelete) != normalizeAction(fk.OnDelete) ||
			normalizeAction(o.OnUpdate) != normalizeAction(fk.OnUpdate) {
			return false
		}
	}
	return true
}

func columnEqual(a, b *Column) bool {
	return a.Name == b.Name && a.Type == b.Type && a.Nullable == b.Nullable &&
		a.Unique == b.Unique && a.Increment == b.Increment &&
		FormatDefault(a.Default) == FormatDefault(b.Default)
}

func normalizeAction(o ReferenceOption) ReferenceOption {
	if o == "" {
		return NoAction
	}
	return o
}

// ConvertibleTo reports whether the column type can be converted to the
// target type without data loss: identical types, integer widenings, and
// anything to text.
func (c *Column) ConvertibleTo(target *Column) bool {
	switch {
	case c.Type == target.Type:
		return true
	case target.Type == TypeText:
		return true
	case c.Type == TypeInteger && target.Type == TypeReal:
		return true
	case c.Type == TypeBool && target.Type == TypeInteger:
		return true
	}
	return false
}
