package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableDDL(t *testing.T) {
	tbl := NewTable("users").
		AddColumn(&Column{Name: "id", Type: TypeInteger, Increment: true}).
		AddColumn(&Column{Name: "email", Type: TypeText, Unique: true}).
		AddColumn(&Column{Name: "age", Type: TypeInteger, Nullable: true, Default: int64(0)}).
		SetPrimaryKey("id")
	assert.Equal(t,
		"CREATE TABLE `users` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `email` text NOT NULL UNIQUE, `age` integer DEFAULT 0)",
		tbl.DDL(),
	)
	// The shadow name overrides only the table name.
	assert.Equal(t,
		"CREATE TABLE `_new_users` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `email` text NOT NULL UNIQUE, `age` integer DEFAULT 0)",
		tbl.DDL("_new_users"),
	)
}

func TestTableDDLCompositeKey(t *testing.T) {
	tbl := NewTable("memberships").
		AddColumn(&Column{Name: "user_id", Type: TypeInteger}).
		AddColumn(&Column{Name: "group_id", Type: TypeInteger}).
		SetPrimaryKey("user_id", "group_id")
	tbl.AddForeignKey(&ForeignKey{
		Symbol:     "memberships_users",
		Columns:    []string{"user_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
		OnDelete:   Cascade,
	})
	assert.Equal(t,
		"CREATE TABLE `memberships` (`user_id` integer NOT NULL, `group_id` integer NOT NULL, "+
			"PRIMARY KEY (`user_id`, `group_id`), "+
			"CONSTRAINT `memberships_users` FOREIGN KEY (`user_id`) REFERENCES `users` (`id`) ON DELETE CASCADE)",
		tbl.DDL(),
	)
}

func TestIndexDDL(t *testing.T) {
	idx := &Index{Name: "users_email", Unique: true, Columns: []string{"email"}}
	assert.Equal(t, "CREATE UNIQUE INDEX `users_email` ON `users` (`email`)", idx.DDL("users"))
	idx.Unique = false
	assert.Equal(t, "CREATE INDEX `users_email` ON `users` (`email`)", idx.DDL("users"))
}

func TestValidIdent(t *testing.T) {
	assert.True(t, ValidIdent("users"))
	assert.True(t, ValidIdent("_strata_new_users"))
	assert.False(t, ValidIdent(""))
	assert.False(t, ValidIdent("1users"))
	assert.False(t, ValidIdent("users;drop"))
}
