package schema

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	doc := `
tables:
  - name: users
    columns:
      - name: id
        type: integer
        increment: true
      - name: email
        type: text
        unique: true
    primary_key: [id]
    indexes:
      - name: users_email_ci
        columns: [email]
`
	tables, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, tables, 1)
	u := tables[0]
	assert.Equal(t, "users", u.Name)
	assert.Equal(t, []string{"id"}, u.PrimaryKey)
	c, ok := u.Column("email")
	require.True(t, ok)
	assert.True(t, c.Unique)
	_, ok = u.Index("users_email_ci")
	assert.True(t, ok)
}

func TestDecodeUnknownField(t *testing.T) {
	_, err := Decode(strings.NewReader("tables:\n  - name: users\n    colums: []\n"))
	require.Error(t, err, "typos in field names must not be silently dropped")
}

func TestDecodeInvalidTable(t *testing.T) {
	_, err := Decode(strings.NewReader("tables:\n  - name: \"not valid\"\n    columns: []\n"))
	require.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	tbl := NewTable("orders").
		AddColumn(&Column{Name: "id", Type: TypeInteger, Increment: true}).
		AddColumn(&Column{Name: "user_id", Type: TypeInteger}).
		AddColumn(&Column{Name: "note", Type: TypeText, Nullable: true}).
		SetPrimaryKey("id")
	tbl.AddForeignKey(&ForeignKey{
		Symbol:     "orders_users",
		Columns:    []string{"user_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
		OnDelete:   SetNull,
	})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []*Table{tbl}))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, tbl.Equal(decoded[0]))
}
