package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func users() *Table {
	t := NewTable("users").
		AddColumn(&Column{Name: "id", Type: TypeInteger, Increment: true}).
		AddColumn(&Column{Name: "email", Type: TypeText, Unique: true}).
		AddColumn(&Column{Name: "age", Type: TypeInteger, Nullable: true, Default: int64(0)}).
		SetPrimaryKey("id")
	t.AddIndex("users_age", false, []string{"age"})
	return t
}

func TestTableClone(t *testing.T) {
	tbl := users()
	clone := tbl.Clone()
	require.True(t, tbl.Equal(clone))

	clone.Columns[1].Type = TypeBlob
	clone.Indexes[0].Columns[0] = "email"
	assert.Equal(t, TypeText, tbl.Columns[1].Type, "clone must not share columns")
	assert.Equal(t, "age", tbl.Indexes[0].Columns[0], "clone must not share index columns")
	assert.False(t, tbl.Equal(clone))
}

func TestTableEqual(t *testing.T) {
	a, b := users(), users()
	require.True(t, a.Equal(b))

	// Index declaration order does not matter.
	b.AddIndex("users_email_age", true, []string{"email", "age"})
	a.Indexes = append([]*Index{{Name: "users_email_age", Unique: true, Columns: []string{"email", "age"}}}, a.Indexes...)
	assert.True(t, a.Equal(b))

	// Column order does.
	c := users()
	c.Columns[0], c.Columns[1] = c.Columns[1], c.Columns[0]
	assert.False(t, users().Equal(c))

	// An unset reference action equals the explicit NO ACTION.
	d, e := users(), users()
	d.AddForeignKey(&ForeignKey{Symbol: "fk", Columns: []string{"age"}, RefTable: "ages", RefColumns: []string{"id"}})
	e.AddForeignKey(&ForeignKey{Symbol: "fk", Columns: []string{"age"}, RefTable: "ages", RefColumns: []string{"id"}, OnDelete: NoAction})
	assert.True(t, d.Equal(e))
}

func TestTableValidate(t *testing.T) {
	require.NoError(t, users().Validate())

	tests := []struct {
		name  string
		table *Table
	}{
		{
			name:  "invalid table name",
			table: NewTable("drop table;--"),
		},
		{
			name: "duplicate column",
			table: NewTable("t").
				AddColumn(&Column{Name: "a", Type: TypeText}).
				AddColumn(&Column{Name: "a", Type: TypeText}),
		},
		{
			name: "unknown primary key column",
			table: NewTable("t").
				AddColumn(&Column{Name: "a", Type: TypeText}).
				SetPrimaryKey("b"),
		},
		{
			name: "index over unknown column",
			table: NewTable("t").
				AddColumn(&Column{Name: "a", Type: TypeText}).
				AddIndex("t_b", false, []string{"b"}),
		},
		{
			name: "constraint column count mismatch",
			table: NewTable("t").
				AddColumn(&Column{Name: "a", Type: TypeInteger}).
				AddForeignKey(&ForeignKey{Symbol: "fk", Columns: []string{"a"}, RefTable: "u", RefColumns: []string{"x", "y"}}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.table.Validate())
		})
	}
}

func TestForeignKeyReferences(t *testing.T) {
	fk := &ForeignKey{
		Symbol:     "orders_users",
		Columns:    []string{"user_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
	}
	assert.True(t, fk.References("users", "id", "orders"))
	assert.True(t, fk.References("orders", "user_id", "orders"))
	assert.False(t, fk.References("users", "email", "orders"))
	assert.False(t, fk.Composite())

	fk.Columns = append(fk.Columns, "region")
	fk.RefColumns = append(fk.RefColumns, "region")
	assert.True(t, fk.Composite())
}

func TestColumnConvertibleTo(t *testing.T) {
	conv := func(from, to Type) bool {
		return (&Column{Type: from}).ConvertibleTo(&Column{Type: to})
	}
	assert.True(t, conv(TypeInteger, TypeInteger))
	assert.True(t, conv(TypeInteger, TypeText))
	assert.True(t, conv(TypeInteger, TypeReal))
	assert.True(t, conv(TypeBool, TypeInteger))
	assert.False(t, conv(TypeText, TypeInteger))
	assert.False(t, conv(TypeReal, TypeInteger))
}

func TestFormatDefault(t *testing.T) {
	assert.Equal(t, "", FormatDefault(nil))
	assert.Equal(t, "1", FormatDefault(true))
	assert.Equal(t, "0", FormatDefault(false))
	assert.Equal(t, "42", FormatDefault(int64(42)))
	assert.Equal(t, "1.5", FormatDefault(1.5))
	assert.Equal(t, "'it''s'", FormatDefault("it's"))
}
