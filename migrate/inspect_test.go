package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/strata/dialect"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/schema"
)

func newTestPool(t *testing.T, opts ...sqld.PoolOption) *sqld.Pool {
	t.Helper()
	drv, err := sqld.Open(dialect.SQLite, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	p := sqld.NewPool(drv, opts...)
	t.Cleanup(func() { p.Close() })
	return p
}

// createTables sets up the given snapshots in the store via their DDL.
func createTables(t *testing.T, p *sqld.Pool, tables ...*schema.Table) {
	t.Helper()
	ctx := context.Background()
	err := p.WithSession(ctx, func(ctx context.Context, s *sqld.Session) error {
		for _, tbl := range tables {
			if err := s.Exec(ctx, tbl.DDL(), []any{}, nil); err != nil {
				return err
			}
			for _, idx := range tbl.Indexes {
				if err := s.Exec(ctx, idx.DDL(tbl.Name), []any{}, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func inspect(t *testing.T, p *sqld.Pool, skip ...string) map[string]*schema.Table {
	t.Helper()
	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h.Release()
	tables, err := InspectTables(ctx, h, skip...)
	require.NoError(t, err)
	byName := make(map[string]*schema.Table, len(tables))
	for _, tbl := range tables {
		byName[tbl.Name] = tbl
	}
	return byName
}

func TestInspectRoundTrip(t *testing.T) {
	users := schema.NewTable("users").
		AddColumn(&schema.Column{Name: "id", Type: schema.TypeInteger, Increment: true}).
		AddColumn(&schema.Column{Name: "email", Type: schema.TypeText, Unique: true}).
		AddColumn(&schema.Column{Name: "age", Type: schema.TypeInteger, Nullable: true, Default: int64(18)}).
		AddColumn(&schema.Column{Name: "note", Type: schema.TypeText, Nullable: true, Default: "hi"}).
		SetPrimaryKey("id")
	users.AddIndex("users_age", false, []string{"age"})

	orders := schema.NewTable("orders").
		AddColumn(&schema.Column{Name: "id", Type: schema.TypeInteger, Increment: true}).
		AddColumn(&schema.Column{Name: "user_id", Type: schema.TypeInteger}).
		SetPrimaryKey("id")
	orders.AddForeignKey(&schema.ForeignKey{
		Symbol:     "orders_users",
		Columns:    []string{"user_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
		OnDelete:   schema.Cascade,
	})

	p := newTestPool(t)
	createTables(t, p, users, orders)
	live := inspect(t, p)
	require.Len(t, live, 2)
	assert.True(t, users.Equal(live["users"]), "users: %+v", live["users"])
	assert.True(t, orders.Equal(live["orders"]), "orders: %+v", live["orders"])

	// The declared/live pair produces an empty diff.
	d, err := DiffTables([]*schema.Table{users, orders}, []*schema.Table{live["users"], live["orders"]})
	require.NoError(t, err)
	assert.Empty(t, d.Operations)
}

func TestInspectCompositeKey(t *testing.T) {
	memberships := schema.NewTable("memberships").
		AddColumn(&schema.Column{Name: "user_id", Type: schema.TypeInteger}).
		AddColumn(&schema.Column{Name: "group_id", Type: schema.TypeInteger}).
		SetPrimaryKey("user_id", "group_id")

	p := newTestPool(t)
	createTables(t, p, memberships)
	live := inspect(t, p)
	require.Contains(t, live, "memberships")
	assert.Equal(t, []string{"user_id", "group_id"}, live["memberships"].PrimaryKey)
	assert.True(t, memberships.Equal(live["memberships"]))
}

func TestInspectSkip(t *testing.T) {
	p := newTestPool(t)
	createTables(t, p, usersTable(), schema.NewTable("internal_ledger").
		AddColumn(&schema.Column{Name: "id", Type: schema.TypeText}))
	live := inspect(t, p, "internal_ledger")
	assert.Contains(t, live, "users")
	assert.NotContains(t, live, "internal_ledger")
}

func TestParseType(t *testing.T) {
	assert.Equal(t, schema.TypeInteger, parseType("INT"))
	assert.Equal(t, schema.TypeInteger, parseType("bigint"))
	assert.Equal(t, schema.TypeBool, parseType("BOOLEAN"))
	assert.Equal(t, schema.TypeTime, parseType("datetime"))
	assert.Equal(t, schema.TypeText, parseType("varchar"))
	assert.Equal(t, schema.TypeText, parseType("text"))
	assert.Equal(t, schema.Type("decimal"), parseType("DECIMAL"), "unknown types round-trip verbatim")
}

func TestScanDefault(t *testing.T) {
	v, err := scanDefault(schema.TypeInteger, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = scanDefault(schema.TypeText, "'it''s'")
	require.NoError(t, err)
	assert.Equal(t, "it's", v)

	v, err = scanDefault(schema.TypeBool, "1")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = scanDefault(schema.TypeReal, "1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = scanDefault(schema.TypeText, "NULL")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = scanDefault(schema.TypeInteger, "abc")
	require.Error(t, err)
}
