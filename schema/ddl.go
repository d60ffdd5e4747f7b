package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// validIdentRe validates SQL identifiers (alphanumeric and underscores).
var validIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent checks if the string is a valid SQL identifier.
func ValidIdent(s string) bool {
	return s != "" && len(s) <= 128 && validIdentRe.MatchString(s)
}

// Quote returns the identifier quoted for SQLite DDL.
func Quote(ident string) string {
	return "`" + ident + "`"
}

// QuoteAll quotes and joins a list of identifiers.
func QuoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = Quote(id)
	}
	return strings.Join(quoted, ", ")
}

// FormatDefault renders a default value as a SQL literal. It returns the
// empty string for nil.
func FormatDefault(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	default:
		return fmt.Sprintf("'%v'", v)
	}
}

// sqlType maps a column type to its SQLite DDL spelling.
func sqlType(t Type) string {
	// Known types are already spelled the way SQLite declares them;
	// unknown introspected types round-trip verbatim.
	return string(t)
}

// ColumnDDL renders the column definition clause for CREATE TABLE. The
// inline primary key form is used for a single-column auto-increment key.
func (t *Table) ColumnDDL(c *Column) string {
	var b strings.Builder
	b.WriteString(Quote(c.Name))
	b.WriteString(" ")
	b.WriteString(sqlType(c.Type))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.HasDefault() {
		b.WriteString(" DEFAULT ")
		b.WriteString(FormatDefault(c.Default))
	}
	if t.inlinePK(c) {
		b.WriteString(" PRIMARY KEY")
		if c.Increment {
			b.WriteString(" AUTOINCREMENT")
		}
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	return b.String()
}

// inlinePK reports whether the column is rendered with an inline PRIMARY
// KEY clause. AUTOINCREMENT requires the inline form in SQLite.
func (t *Table) inlinePK(c *Column) bool {
	return len(t.PrimaryKey) == 1 && t.PrimaryKey[0] == c.Name
}

// DDL renders the full CREATE TABLE statement for the snapshot. The
// optional name overrides the table name, which the rewriter uses to
// create shadow tables from the target snapshot.
func (t *Table) DDL(name ...string) string {
	tableName := t.Name
	if len(name) == 1 {
		tableName = name[0]
	}
	defs := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+1)
	for _, c := range t.Columns {
		defs = append(defs, t.ColumnDDL(c))
	}
	if len(t.PrimaryKey) > 1 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", QuoteAll(t.PrimaryKey)))
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, fk.DDL())
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", Quote(tableName), strings.Join(defs, ", "))
}

// DDL renders the constraint clause for CREATE TABLE.
func (fk *ForeignKey) DDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		Quote(fk.Symbol), QuoteAll(fk.Columns), Quote(fk.RefTable), QuoteAll(fk.RefColumns))
	if fk.OnUpdate != "" && fk.OnUpdate != NoAction {
		b.WriteString(" ON UPDATE ")
		b.WriteString(string(fk.OnUpdate))
	}
	if fk.OnDelete != "" && fk.OnDelete != NoAction {
		b.WriteString(" ON DELETE ")
		b.WriteString(string(fk.OnDelete))
	}
	return b.String()
}

// DDL renders the CREATE INDEX statement for the index on the given table.
func (i *Index) DDL(table string) string {
	unique := ""
	if i.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, Quote(i.Name), Quote(table), QuoteAll(i.Columns))
}
