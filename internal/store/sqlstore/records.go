package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

func decodeFields(id string, raw string) (record.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return record.Record{}, fmt.Errorf("sqlstore: decode record %s: %w", id, err)
	}
	return record.New(id, fields), nil
}

func (s *Store) get(ctx context.Context, db DBTX, table, id string) (record.Record, error) {
	var raw string
	err := s.queryRow(ctx, db,
		`SELECT fields FROM records WHERE table_name = ? AND id = ?`+s.forUpdate(db),
		table, id).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("sqlstore: get %s/%s: %w", table, id, err)
	}
	return decodeFields(id, raw)
}

// forUpdate adds a row lock inside Postgres transactions. SQLite serializes
// writers on its own.
func (s *Store) forUpdate(db DBTX) string {
	if _, inTx := db.(*sql.Tx); inTx && s.dialect == Postgres {
		return ` FOR UPDATE`
	}
	return ``
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, table, id string) (record.Record, error) {
	return s.get(ctx, s.db, table, id)
}

// Query returns the table's records matching f, ordered by serial.
func (s *Store) Query(ctx context.Context, table string, f store.Filter) ([]record.Record, error) {
	q := `SELECT id, fields FROM records WHERE table_name = ?`
	args := []any{table}
	if len(f.IDs) > 0 {
		q += ` AND id IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(f.IDs)), ", ") + `)`
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY serial, id`

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlstore: scan %s: %w", table, err)
		}
		r, err := decodeFields(id, raw)
		if err != nil {
			return nil, err
		}
		// Equals is evaluated here so field comparison follows record.Equal
		if !f.Match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Insert stores r, assigning an ID when empty and the next serial for the
// table when r has none.
func (s *Store) Insert(ctx context.Context, table string, r record.Record) (record.Record, error) {
	now := s.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r = r.Clone()
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[record.FieldCreatedAt] = record.Stamp(now)
	r.Fields[record.FieldUpdatedAt] = record.Stamp(now)

	err := s.withTx(ctx, func(tx DBTX) error {
		serial, ok := r.Get(record.FieldSerial).(float64)
		if !ok || serial <= 0 {
			if err := s.queryRow(ctx, tx,
				`SELECT COALESCE(MAX(serial), 0) + 1 FROM records WHERE table_name = ?`, table,
			).Scan(&serial); err != nil {
				return fmt.Errorf("next serial: %w", err)
			}
			r.Fields[record.FieldSerial] = serial
		}
		raw, err := json.Marshal(r.Fields)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO records (table_name, id, serial, fields, updated_at) VALUES (?, ?, ?, ?, ?)`,
			table, r.ID, int64(serial), string(raw), now.UnixMilli())
		return err
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("sqlstore: insert %s/%s: %w", table, r.ID, err)
	}
	s.publish(feed.Change{Type: feed.Insert, Table: table, Record: r})
	return r, nil
}

// Update applies patch inside a transaction and returns the stored record.
func (s *Store) Update(ctx context.Context, table, id string, patch record.Patch) (record.Record, error) {
	now := s.now().UTC()
	var out record.Record
	err := s.withTx(ctx, func(tx DBTX) error {
		cur, err := s.get(ctx, tx, table, id)
		if err != nil {
			return err
		}
		out = cur.Apply(patch)
		out.Fields[record.FieldUpdatedAt] = record.Stamp(now)
		raw, err := json.Marshal(out.Fields)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`UPDATE records SET fields = ?, updated_at = ? WHERE table_name = ? AND id = ?`,
			string(raw), now.UnixMilli(), table, id)
		return err
	})
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return record.Record{}, err
		}
		return record.Record{}, fmt.Errorf("sqlstore: update %s/%s: %w", table, id, err)
	}
	s.publish(feed.Change{Type: feed.Update, Table: table, Record: out})
	return out, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM records WHERE table_name = ? AND id = ?`, table, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	s.publish(feed.Change{Type: feed.Delete, Table: table, Record: record.Record{ID: id}})
	return nil
}

// Snapshot lists a table for feed replay. The lock table is served as
// lock records keyed recordID::field.
func (s *Store) Snapshot(ctx context.Context, table string) ([]record.Record, error) {
	if table == store.LocksTable {
		rows, err := s.ListLocks(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]record.Record, len(rows))
		for i, l := range rows {
			out[i] = l.ToRecord()
		}
		return out, nil
	}
	return s.Query(ctx, table, store.Filter{})
}
