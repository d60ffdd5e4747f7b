package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/syssam/strata"
	"github.com/syssam/strata/schema"
)

func usersTable() *schema.Table {
	return schema.NewTable("users").
		AddColumn(&schema.Column{Name: "id", Type: schema.TypeInteger, Increment: true}).
		AddColumn(&schema.Column{Name: "email", Type: schema.TypeText}).
		SetPrimaryKey("id")
}

func TestOperationInvert(t *testing.T) {
	inv, err := (&CreateTable{Table: usersTable()}).Invert()
	require.NoError(t, err)
	assert.Equal(t, &DropTable{Name: "users"}, inv)

	inv, err = (&AddColumn{Table: "users", Column: &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true}}).Invert()
	require.NoError(t, err)
	assert.Equal(t, &DropColumn{Table: "users", Column: "phone"}, inv)

	from := &schema.Column{Name: "age", Type: schema.TypeInteger}
	to := &schema.Column{Name: "age", Type: schema.TypeText}
	inv, err = (&AlterColumnType{Table: "users", From: from, To: to}).Invert()
	require.NoError(t, err)
	alter := inv.(*AlterColumnType)
	assert.Equal(t, to, alter.From)
	assert.Equal(t, from, alter.To)

	idx := &schema.Index{Name: "users_email", Unique: true, Columns: []string{"email"}}
	inv, err = (&CreateIndex{Table: "users", Index: idx}).Invert()
	require.NoError(t, err)
	assert.Equal(t, &DropIndex{Table: "users", Index: idx}, inv)
}

func TestOperationIrreversible(t *testing.T) {
	ops := []Op{
		&DropTable{Name: "users"},
		&DropColumn{Table: "users", Column: "email"},
		&AlterColumnType{Table: "users", To: &schema.Column{Name: "age", Type: schema.TypeText}},
		&DropIndex{Table: "users", Index: &schema.Index{Name: "users_email"}},
	}
	for _, op := range ops {
		_, err := op.Invert()
		require.Error(t, err, op.Describe())
		assert.True(t, strata.IsIrreversible(err), op.Describe())
	}
}

func TestOperationsInvert(t *testing.T) {
	ops := Operations{
		&CreateTable{Table: usersTable()},
		&AddColumn{Table: "users", Column: &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true}},
	}
	inv, err := ops.Invert()
	require.NoError(t, err)
	require.Len(t, inv, 2)
	assert.Equal(t, "drop_column users.phone", inv[0].Describe(), "inverse runs in reverse order")
	assert.Equal(t, "drop_table users", inv[1].Describe())

	// One irreversible operation fails the whole sequence up front.
	ops = append(ops, &DropColumn{Table: "users", Column: "email"})
	_, err = ops.Invert()
	require.Error(t, err)
	assert.True(t, strata.IsIrreversible(err))
}

func TestApply(t *testing.T) {
	tables := make(map[string]*schema.Table)
	require.NoError(t, Apply(tables, &CreateTable{Table: usersTable()}))
	require.Contains(t, tables, "users")

	require.NoError(t, Apply(tables, &AddColumn{Table: "users", Column: &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true}}))
	assert.True(t, tables["users"].HasColumn("phone"))

	require.NoError(t, Apply(tables, &AlterColumnType{
		Table: "users",
		From:  &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true},
		To:    &schema.Column{Name: "phone", Type: schema.TypeInteger, Nullable: true},
	}))
	c, ok := tables["users"].Column("phone")
	require.True(t, ok)
	assert.Equal(t, schema.TypeInteger, c.Type)

	require.NoError(t, Apply(tables, &CreateIndex{Table: "users", Index: &schema.Index{Name: "users_phone", Columns: []string{"phone"}}}))
	require.NoError(t, Apply(tables, &DropIndex{Table: "users", Index: &schema.Index{Name: "users_phone"}}))
	assert.Empty(t, tables["users"].Indexes)

	require.NoError(t, Apply(tables, &DropColumn{Table: "users", Column: "phone"}))
	assert.False(t, tables["users"].HasColumn("phone"))

	require.NoError(t, Apply(tables, &DropTable{Name: "users"}))
	assert.Empty(t, tables)
}

func TestApplyErrors(t *testing.T) {
	tables := make(map[string]*schema.Table)
	require.NoError(t, Apply(tables, &CreateTable{Table: usersTable()}))

	assert.Error(t, Apply(tables, &CreateTable{Table: usersTable()}), "duplicate table")
	assert.Error(t, Apply(tables, &AddColumn{Table: "users", Column: &schema.Column{Name: "email", Type: schema.TypeText}}), "duplicate column")
	assert.Error(t, Apply(tables, &DropColumn{Table: "users", Column: "nope"}))
	assert.Error(t, Apply(tables, &DropTable{Name: "nope"}))
	assert.Error(t, Apply(tables, &AddColumn{Table: "nope", Column: &schema.Column{Name: "a", Type: schema.TypeText}}))
}

func TestApplyIsolatedFromInput(t *testing.T) {
	tbl := usersTable()
	tables := make(map[string]*schema.Table)
	require.NoError(t, Apply(tables, &CreateTable{Table: tbl}))
	tbl.Columns[0].Name = "mutated"
	assert.True(t, tables["users"].HasColumn("id"), "the snapshot set owns its copies")
}

func TestDefaultCapability(t *testing.T) {
	assert.True(t, DefaultCapability(&CreateTable{Table: usersTable()}))
	assert.True(t, DefaultCapability(&DropTable{Name: "users"}))
	assert.True(t, DefaultCapability(&CreateIndex{Table: "users", Index: &schema.Index{Name: "i"}}))
	assert.True(t, DefaultCapability(&AddColumn{Table: "users", Column: &schema.Column{Name: "a", Type: schema.TypeText, Nullable: true}}))
	assert.True(t, DefaultCapability(&AddColumn{Table: "users", Column: &schema.Column{Name: "a", Type: schema.TypeText, Default: "x"}}))

	// These need a rebuild.
	assert.False(t, DefaultCapability(&AddColumn{Table: "users", Column: &schema.Column{Name: "a", Type: schema.TypeText}}))
	assert.False(t, DefaultCapability(&AddColumn{Table: "users", Column: &schema.Column{Name: "a", Type: schema.TypeText, Nullable: true, Unique: true}}))
	assert.False(t, DefaultCapability(&DropColumn{Table: "users", Column: "a"}))
	assert.False(t, DefaultCapability(&AlterColumnType{Table: "users", To: &schema.Column{Name: "a", Type: schema.TypeText}}))
	assert.False(t, DefaultCapability(&AddForeignKey{Table: "users", ForeignKey: &schema.ForeignKey{Symbol: "fk"}}))
}

func TestRewriteAll(t *testing.T) {
	assert.True(t, RewriteAll(&CreateTable{Table: usersTable()}))
	assert.True(t, RewriteAll(&DropTable{Name: "users"}))
	assert.False(t, RewriteAll(&AddColumn{Table: "users", Column: &schema.Column{Name: "a", Type: schema.TypeText, Nullable: true}}))
	assert.False(t, RewriteAll(&CreateIndex{Table: "users", Index: &schema.Index{Name: "i"}}))
}

func TestOperationsYAML(t *testing.T) {
	ops := Operations{
		&CreateTable{Table: usersTable()},
		&AddColumn{Table: "users", Column: &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true}},
		&AlterColumnType{
			Table: "users",
			From:  &schema.Column{Name: "phone", Type: schema.TypeText, Nullable: true},
			To:    &schema.Column{Name: "phone", Type: schema.TypeInteger, Nullable: true},
		},
		&DropColumn{Table: "users", Column: "phone"},
		&CreateIndex{Table: "users", Index: &schema.Index{Name: "users_email", Unique: true, Columns: []string{"email"}}},
		&AddForeignKey{Table: "users", ForeignKey: &schema.ForeignKey{
			Symbol: "users_orgs", Columns: []string{"org_id"}, RefTable: "orgs", RefColumns: []string{"id"},
		}},
		&DropTable{Name: "users"},
	}
	data, err := yaml.Marshal(ops)
	require.NoError(t, err)

	var decoded Operations
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(ops))
	for i := range ops {
		assert.Equal(t, ops[i].Describe(), decoded[i].Describe())
	}
	ct := decoded[0].(*CreateTable)
	assert.True(t, usersTable().Equal(ct.Table))
}

func TestOperationsYAMLUnknownKind(t *testing.T) {
	var ops Operations
	err := yaml.Unmarshal([]byte("- kind: rename_table\n  table: users\n"), &ops)
	require.Error(t, err)
}
