package migrate

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/syssam/strata/dialect"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/schema"
)

// InspectTables reads the live structure of the store into snapshots,
// one per table, ordered by name. Internal SQLite tables and the names
// in skip (the runner passes its ledger tables) are excluded.
func InspectTables(ctx context.Context, q dialect.ExecQuerier, skip ...string) ([]*schema.Table, error) {
	rows := &sqld.Rows{}
	err := q.Query(ctx,
		"SELECT `name`, `sql` FROM `sqlite_master` WHERE `type` = 'table' AND `name` NOT LIKE 'sqlite_%' ORDER BY `name`",
		[]any{}, rows)
	if err != nil {
		return nil, fmt.Errorf("migrate: inspect: %w", err)
	}
	type master struct{ name, sql string }
	var masters []master
	for rows.Next() {
		var m master
		if err := rows.Scan(&m.name, &m.sql); err != nil {
			return nil, joinRows(fmt.Errorf("migrate: inspect: scan sqlite_master: %w", err), rows)
		}
		if slices.Contains(skip, m.name) {
			continue
		}
		masters = append(masters, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	tables := make([]*schema.Table, 0, len(masters))
	for _, m := range masters {
		t, err := inspectTable(ctx, q, m.name, m.sql)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func inspectTable(ctx context.Context, q dialect.ExecQuerier, name, createSQL string) (*schema.Table, error) {
	t := schema.NewTable(name)
	if err := inspectColumns(ctx, q, t, createSQL); err != nil {
		return nil, err
	}
	if err := inspectIndexes(ctx, q, t); err != nil {
		return nil, err
	}
	if err := inspectForeignKeys(ctx, q, t, createSQL); err != nil {
		return nil, err
	}
	return t, nil
}

func inspectColumns(ctx context.Context, q dialect.ExecQuerier, t *schema.Table, createSQL string) error {
	rows := &sqld.Rows{}
	if err := q.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", schema.Quote(t.Name)), []any{}, rows); err != nil {
		return fmt.Errorf("migrate: inspect %s: %w", t.Name, err)
	}
	autoinc := strings.Contains(strings.ToUpper(createSQL), "AUTOINCREMENT")
	type pkCol struct {
		order int
		name  string
	}
	var pk []pkCol
	for rows.Next() {
		var (
			cid, notnull, pkPos int
			cname, ctype        string
			dflt                sqld.NullString
		)
		if err := rows.Scan(&cid, &cname, &ctype, &notnull, &dflt, &pkPos); err != nil {
			return joinRows(fmt.Errorf("migrate: inspect %s: scan table_info: %w", t.Name, err), rows)
		}
		c := &schema.Column{
			Name:     cname,
			Type:     parseType(ctype),
			Nullable: notnull == 0,
		}
		if dflt.Valid {
			v, err := scanDefault(c.Type, dflt.String)
			if err != nil {
				return joinRows(err, rows)
			}
			c.Default = v
		}
		if pkPos > 0 {
			pk = append(pk, pkCol{order: pkPos, name: cname})
		}
		t.AddColumn(c)
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].order < pk[j].order })
	for _, p := range pk {
		t.PrimaryKey = append(t.PrimaryKey, p.name)
	}
	if autoinc && len(t.PrimaryKey) == 1 {
		if c, ok := t.Column(t.PrimaryKey[0]); ok {
			c.Increment = true
		}
	}
	return nil
}

func inspectIndexes(ctx context.Context, q dialect.ExecQuerier, t *schema.Table) error {
	rows := &sqld.Rows{}
	if err := q.Query(ctx, fmt.Sprintf("PRAGMA index_list(%s)", schema.Quote(t.Name)), []any{}, rows); err != nil {
		return fmt.Errorf("migrate: inspect %s: %w", t.Name, err)
	}
	type ixMeta struct {
		name   string
		unique bool
		origin string
	}
	var metas []ixMeta
	for rows.Next() {
		var (
			seq, unique, partial int
			name, origin         string
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return joinRows(fmt.Errorf("migrate: inspect %s: scan index_list: %w", t.Name, err), rows)
		}
		if origin == "pk" {
			continue
		}
		metas = append(metas, ixMeta{name: name, unique: unique == 1, origin: origin})
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].name < metas[j].name })
	for _, m := range metas {
		cols, err := indexColumns(ctx, q, m.name)
		if err != nil {
			return fmt.Errorf("migrate: inspect %s: %w", t.Name, err)
		}
		// Unique column constraints surface as "u"-origin auto-indexes;
		// they are column attributes, not declared indexes.
		if m.origin == "u" && len(cols) == 1 {
			if c, ok := t.Column(cols[0]); ok {
				c.Unique = true
				continue
			}
		}
		if strings.HasPrefix(m.name, "sqlite_autoindex_") {
			continue
		}
		t.AddIndex(m.name, m.unique, cols)
	}
	return nil
}

func indexColumns(ctx context.Context, q dialect.ExecQuerier, index string) ([]string, error) {
	rows := &sqld.Rows{}
	if err := q.Query(ctx, fmt.Sprintf("PRAGMA index_info(%s)", schema.Quote(index)), []any{}, rows); err != nil {
		return nil, err
	}
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sqld.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, joinRows(fmt.Errorf("scan index_info: %w", err), rows)
		}
		cols = append(cols, name.String)
	}
	return cols, closeRows(rows)
}

// constraintRe extracts named foreign-key constraint symbols from the
// stored CREATE TABLE statement, in declaration order. The pragma does
// not expose constraint names.
var constraintRe = regexp.MustCompile("(?i)CONSTRAINT\\s+[`\"]?(\\w+)[`\"]?\\s+FOREIGN\\s+KEY")

func inspectForeignKeys(ctx context.Context, q dialect.ExecQuerier, t *schema.Table, createSQL string) error {
	rows := &sqld.Rows{}
	if err := q.Query(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", schema.Quote(t.Name)), []any{}, rows); err != nil {
		return fmt.Errorf("migrate: inspect %s: %w", t.Name, err)
	}
	groups := make(map[int]*schema.ForeignKey)
	var order []int
	for rows.Next() {
		var (
			id, seq            int
			refTable, from     string
			to                 sqld.NullString
			onUpdate, onDelete string
			match              string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return joinRows(fmt.Errorf("migrate: inspect %s: scan foreign_key_list: %w", t.Name, err), rows)
		}
		fk, ok := groups[id]
		if !ok {
			fk = &schema.ForeignKey{
				RefTable: refTable,
				OnUpdate: schema.ReferenceOption(onUpdate),
				OnDelete: schema.ReferenceOption(onDelete),
			}
			groups[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	// The pragma lists constraints in reverse declaration order; restore
	// declaration order before zipping with the parsed symbols.
	slices.Reverse(order)
	symbols := constraintRe.FindAllStringSubmatch(createSQL, -1)
	for i, id := range order {
		fk := groups[id]
		if i < len(symbols) {
			fk.Symbol = symbols[i][1]
		} else {
			fk.Symbol = fmt.Sprintf("%s_%s", t.Name, strings.Join(fk.Columns, "_"))
		}
		t.AddForeignKey(fk)
	}
	return nil
}

// parseType maps a declared column type to the snapshot type. Unknown
// declared types round-trip verbatim.
func parseType(decl string) schema.Type {
	t := schema.Type(strings.ToLower(strings.TrimSpace(decl)))
	switch t {
	case "int", "bigint":
		return schema.TypeInteger
	case "boolean":
		return schema.TypeBool
	case "datetime":
		return schema.TypeTime
	case "varchar", "clob":
		return schema.TypeText
	}
	return t
}

// scanDefault converts the literal stored in table_info's dflt_value
// into a snapshot default.
func scanDefault(typ schema.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(raw, "NULL"):
		return nil, nil
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"), nil
	}
	switch typ {
	case schema.TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migrate: invalid integer default %q: %w", raw, err)
		}
		return v, nil
	case schema.TypeReal:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("migrate: invalid real default %q: %w", raw, err)
		}
		return v, nil
	case schema.TypeBool:
		switch raw {
		case "1", "true", "TRUE":
			return true, nil
		case "0", "false", "FALSE":
			return false, nil
		}
		return nil, fmt.Errorf("migrate: invalid bool default %q", raw)
	default:
		// Numeric literal on a textual column, or an expression; keep it
		// verbatim.
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, nil
		}
		return raw, nil
	}
}

func joinRows(err error, rows *sqld.Rows) error {
	if cerr := rows.Close(); cerr != nil {
		return fmt.Errorf("%w (close rows: %v)", err, cerr)
	}
	return err
}

func closeRows(rows *sqld.Rows) error {
	if err := rows.Err(); err != nil {
		return joinRows(fmt.Errorf("migrate: rows: %w", err), rows)
	}
	return rows.Close()
}
