package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/coedit/internal/audit"
)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// Append inserts an audit row.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	diff, err := marshalJSON(e.Diff)
	if err != nil {
		return fmt.Errorf("sqlstore: encode audit diff: %w", err)
	}
	oldSnap, err := marshalJSON(e.OldSnapshot)
	if err != nil {
		return fmt.Errorf("sqlstore: encode audit snapshot: %w", err)
	}
	newSnap, err := marshalJSON(e.NewSnapshot)
	if err != nil {
		return fmt.Errorf("sqlstore: encode audit snapshot: %w", err)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO audit_entries (id, table_name, record_id, kind, message, diff, old_snapshot, new_snapshot, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Table, e.RecordID, string(e.Kind), e.Message, diff, oldSnap, newSnap, e.Actor, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: append audit %s: %w", e.ID, err)
	}
	return nil
}

// ListAudit returns matching audit entries, oldest first.
func (s *Store) ListAudit(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	sqlq := `SELECT id, table_name, record_id, kind, message, diff, old_snapshot, new_snapshot, actor, created_at FROM audit_entries WHERE 1 = 1`
	var args []any
	if q.Table != "" {
		sqlq += ` AND table_name = ?`
		args = append(args, q.Table)
	}
	if q.RecordID != "" {
		sqlq += ` AND record_id = ?`
		args = append(args, q.RecordID)
	}
	if q.Actor != "" {
		sqlq += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if !q.Since.IsZero() {
		sqlq += ` AND created_at >= ?`
		args = append(args, q.Since.UnixMilli())
	}
	sqlq += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, s.db, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                      audit.Entry
			kind, diff, oldS, newS string
			created                int64
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &kind, &e.Message, &diff, &oldS, &newS, &e.Actor, &created); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit: %w", err)
		}
		e.Kind = audit.Kind(kind)
		e.Timestamp = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(diff), &e.Diff); err != nil {
			return nil, fmt.Errorf("sqlstore: decode audit %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(oldS), &e.OldSnapshot); err != nil {
			return nil, fmt.Errorf("sqlstore: decode audit %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(newS), &e.NewSnapshot); err != nil {
			return nil, fmt.Errorf("sqlstore: decode audit %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.Tail(out), nil
}
