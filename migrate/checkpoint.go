package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/strata/dialect"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/schema"
)

// checkpointTable is the side table holding the expected structure of the
// store after each applied revision, as an encoded snapshot set. It backs
// Verify: the live structure must always match the replay of all applied
// revisions from empty.
const checkpointTable = "revision_checkpoints"

const checkpointDDL = "CREATE TABLE IF NOT EXISTS `" + checkpointTable + "` " +
	"(`revision_id` TEXT PRIMARY KEY, `snapshot` BLOB NOT NULL, `created_at` TIMESTAMP NOT NULL)"

// encodeSnapshot encodes a snapshot set sorted by table name.
func encodeSnapshot(tables map[string]*schema.Table) ([]byte, error) {
	names := make([]string, 0, len(tables))
	for n := range tables {
		names = append(names, n)
	}
	sort.Strings(names)
	ordered := make([]*schema.Table, 0, len(names))
	for _, n := range names {
		ordered = append(ordered, tables[n])
	}
	data, err := msgpack.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("migrate: encode snapshot: %w", err)
	}
	return data, nil
}

// decodeSnapshot decodes an encoded snapshot set.
func decodeSnapshot(data []byte) ([]*schema.Table, error) {
	var tables []*schema.Table
	if err := msgpack.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("migrate: decode snapshot: %w", err)
	}
	return tables, nil
}

// writeCheckpoint records the expected post-revision snapshot set.
func writeCheckpoint(ctx context.Context, s *sqld.Session, revision string, tables map[string]*schema.Table) error {
	data, err := encodeSnapshot(tables)
	if err != nil {
		return err
	}
	stmt := "INSERT INTO `" + checkpointTable + "` (`revision_id`, `snapshot`, `created_at`) VALUES (?, ?, ?)"
	if err := s.Exec(ctx, stmt, []any{revision, data, time.Now().UTC().Format(time.RFC3339Nano)}, nil); err != nil {
		return fmt.Errorf("migrate: write checkpoint %s: %w", revision, err)
	}
	return nil
}

// deleteCheckpoint removes the snapshot recorded for a reverted revision.
func deleteCheckpoint(ctx context.Context, s *sqld.Session, revision string) error {
	stmt := "DELETE FROM `" + checkpointTable + "` WHERE `revision_id` = ?"
	if err := s.Exec(ctx, stmt, []any{revision}, nil); err != nil {
		return fmt.Errorf("migrate: delete checkpoint %s: %w", revision, err)
	}
	return nil
}

// readCheckpoint loads the snapshot recorded for a revision. It returns
// nil when none exists.
func readCheckpoint(ctx context.Context, q dialect.ExecQuerier, revision string) ([]*schema.Table, error) {
	rows := &sqld.Rows{}
	stmt := "SELECT `snapshot` FROM `" + checkpointTable + "` WHERE `revision_id` = ?"
	if err := q.Query(ctx, stmt, []any{revision}, rows); err != nil {
		if isNoSuchTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("migrate: read checkpoint %s: %w", revision, err)
	}
	var data []byte
	if rows.Next() {
		if err := rows.Scan(&data); err != nil {
			return nil, joinRows(fmt.Errorf("migrate: read checkpoint %s: %w", revision, err), rows)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeSnapshot(data)
}
