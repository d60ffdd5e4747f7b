package migrate

import (
	"slices"

	"github.com/syssam/strata"
	"github.com/syssam/strata/schema"
)

// Diff is the ordered operation list transforming a live structure into
// the declared one, plus the advisory warnings collected along the way.
type Diff struct {
	Operations Operations
	Warnings   []strata.AmbiguousRenameWarning
}

// DiffTables compares the declared snapshots with the live ones and
// returns the operations transforming live into declared. Tables and
// columns match by name; renames are never inferred. The result is
// order-stable: table creations precede changes on existing tables,
// which precede table drops.
func DiffTables(declared, live []*schema.Table) (*Diff, error) {
	liveByName := make(map[string]*schema.Table, len(live))
	for _, t := range live {
		liveByName[t.Name] = t
	}
	declaredByName := make(map[string]*schema.Table, len(declared))
	d := &Diff{}
	// Creations first, in declaration order, so later foreign keys can
	// reference the new tables.
	for _, t := range declared {
		declaredByName[t.Name] = t
		if _, ok := liveByName[t.Name]; !ok {
			d.Operations = append(d.Operations, &CreateTable{Table: t.Clone()})
		}
	}
	for _, t := range declared {
		lt, ok := liveByName[t.Name]
		if !ok {
			continue
		}
		d.diffTable(t, lt)
	}
	for _, t := range live {
		if _, ok := declaredByName[t.Name]; !ok {
			d.Operations = append(d.Operations, &DropTable{Name: t.Name})
		}
	}
	return d, nil
}

func (d *Diff) diffTable(declared, live *schema.Table) {
	var added, dropped []*schema.Column
	for _, c := range declared.Columns {
		lc, ok := live.Column(c.Name)
		switch {
		case !ok:
			added = append(added, c)
			d.Operations = append(d.Operations, &AddColumn{Table: declared.Name, Column: c.Clone()})
		case c.Type != lc.Type || c.Nullable != lc.Nullable || c.Unique != lc.Unique:
			d.Operations = append(d.Operations, &AlterColumnType{
				Table: declared.Name,
				From:  lc.Clone(),
				To:    c.Clone(),
			})
		}
	}
	for _, c := range live.Columns {
		if !declared.HasColumn(c.Name) {
			dropped = append(dropped, c)
			d.Operations = append(d.Operations, &DropColumn{Table: declared.Name, Column: c.Name})
		}
	}
	// A simultaneous add and drop of similarly-typed columns may be a
	// rename the author forgot to split; surface it instead of guessing.
	for _, a := range added {
		for _, r := range dropped {
			if a.Type == r.Type {
				d.Warnings = append(d.Warnings, strata.AmbiguousRenameWarning{
					Table:   declared.Name,
					Added:   a.Name,
					Dropped: r.Name,
				})
			}
		}
	}
	d.diffIndexes(declared, live)
	d.diffForeignKeys(declared, live)
}

func (d *Diff) diffIndexes(declared, live *schema.Table) {
	for _, idx := range declared.Indexes {
		li, ok := live.Index(idx.Name)
		switch {
		case !ok:
			d.Operations = append(d.Operations, &CreateIndex{Table: declared.Name, Index: idx.Clone()})
		case li.Unique != idx.Unique || !equalStrings(li.Columns, idx.Columns):
			d.Operations = append(d.Operations,
				&DropIndex{Table: declared.Name, Index: li.Clone()},
				&CreateIndex{Table: declared.Name, Index: idx.Clone()},
			)
		}
	}
	for _, idx := range live.Indexes {
		if _, ok := declared.Index(idx.Name); !ok {
			d.Operations = append(d.Operations, &DropIndex{Table: declared.Name, Index: idx.Clone()})
		}
	}
}

func (d *Diff) diffForeignKeys(declared, live *schema.Table) {
	for _, fk := range declared.ForeignKeys {
		lf, ok := live.ForeignKey(fk.Symbol)
		switch {
		case !ok:
			d.Operations = append(d.Operations, &AddForeignKey{Table: declared.Name, ForeignKey: fk.Clone()})
		case lf.RefTable != fk.RefTable || !equalStrings(lf.Columns, fk.Columns) || !equalStrings(lf.RefColumns, fk.RefColumns):
			d.Operations = append(d.Operations,
				&DropForeignKey{Table: declared.Name, ForeignKey: lf.Clone()},
				&AddForeignKey{Table: declared.Name, ForeignKey: fk.Clone()},
			)
		}
	}
	for _, fk := range live.ForeignKeys {
		if _, ok := declared.ForeignKey(fk.Symbol); !ok {
			d.Operations = append(d.Operations, &DropForeignKey{Table: declared.Name, ForeignKey: fk.Clone()})
		}
	}
}

func equalStrings(a, b []string) bool {
	return slices.Equal(a, b)
}
