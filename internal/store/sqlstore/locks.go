package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/store"
)

const lockColumns = `record_id, field_name, owner_id, acquired_at, renewed_at`

func scanLock(sc interface{ Scan(...any) error }) (store.LockRow, error) {
	var (
		row               store.LockRow
		acquired, renewed int64
	)
	if err := sc.Scan(&row.RecordID, &row.Field, &row.OwnerID, &acquired, &renewed); err != nil {
		return store.LockRow{}, err
	}
	row.AcquiredAt = time.UnixMilli(acquired)
	row.RenewedAt = time.UnixMilli(renewed)
	return row, nil
}

// InsertIfAbsent claims the pair with a conditional insert. The primary key
// rejects a second claim atomically; on conflict the current holder is
// returned.
func (s *Store) InsertIfAbsent(ctx context.Context, row store.LockRow) (store.LockRow, bool, error) {
	res, err := s.exec(ctx, s.db,
		`INSERT INTO field_locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?) ON CONFLICT (record_id, field_name) DO NOTHING`,
		row.RecordID, row.Field, row.OwnerID, row.AcquiredAt.UnixMilli(), row.RenewedAt.UnixMilli())
	if err != nil {
		return store.LockRow{}, false, fmt.Errorf("sqlstore: insert lock %s: %w", row.Key(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.publish(feed.Change{Type: feed.Insert, Table: store.LocksTable, Record: row.ToRecord()})
		return row, true, nil
	}

	held, err := scanLock(s.queryRow(ctx, s.db,
		`SELECT `+lockColumns+` FROM field_locks WHERE record_id = ? AND field_name = ?`,
		row.RecordID, row.Field))
	if stderrors.Is(err, sql.ErrNoRows) {
		// released between the insert and the read; report contention and
		// let the caller retry on its own schedule
		return store.LockRow{}, false, nil
	}
	if err != nil {
		return store.LockRow{}, false, fmt.Errorf("sqlstore: read lock %s: %w", row.Key(), err)
	}
	return held, false, nil
}

// DeleteOwned removes the pair's lock if ownerID holds it.
func (s *Store) DeleteOwned(ctx context.Context, recordID, field, ownerID string) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM field_locks WHERE record_id = ? AND field_name = ? AND owner_id = ?`,
		recordID, field, ownerID)
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete lock %s: %w", store.LockKey(recordID, field), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.publish(feed.Change{Type: feed.Delete, Table: store.LocksTable,
		Record: store.LockRow{RecordID: recordID, Field: field, OwnerID: ownerID}.ToRecord()})
	return true, nil
}

// Renew bumps renewed_at on every lock held by ownerID.
func (s *Store) Renew(ctx context.Context, ownerID string, at time.Time) (int, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE field_locks SET renewed_at = ? WHERE owner_id = ?`, at.UnixMilli(), ownerID)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: renew locks of %s: %w", ownerID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RenewOwned bumps renewed_at on the pair's lock if ownerID holds it.
func (s *Store) RenewOwned(ctx context.Context, recordID, field, ownerID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE field_locks SET renewed_at = ? WHERE record_id = ? AND field_name = ? AND owner_id = ?`,
		at.UnixMilli(), recordID, field, ownerID)
	if err != nil {
		return false, fmt.Errorf("sqlstore: renew lock %s: %w", store.LockKey(recordID, field), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, nil
}

// DeleteExpired removes locks last renewed before cutoff.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) ([]store.LockRow, error) {
	var expired []store.LockRow
	err := s.withTx(ctx, func(tx DBTX) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+lockColumns+` FROM field_locks WHERE renewed_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			l, err := scanLock(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, l)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, l := range expired {
			// owner and renewed_at are re-checked so a renewal that raced
			// the read keeps its lock
			if _, err := s.exec(ctx, tx,
				`DELETE FROM field_locks WHERE record_id = ? AND field_name = ? AND owner_id = ? AND renewed_at < ?`,
				l.RecordID, l.Field, l.OwnerID, cutoff.UnixMilli()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: delete expired locks: %w", err)
	}
	for _, l := range expired {
		s.publish(feed.Change{Type: feed.Delete, Table: store.LocksTable, Record: l.ToRecord()})
	}
	return expired, nil
}

// ListLocks returns every lock ordered by record then field.
func (s *Store) ListLocks(ctx context.Context) ([]store.LockRow, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+lockColumns+` FROM field_locks ORDER BY record_id, field_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list locks: %w", err)
	}
	defer rows.Close()

	var out []store.LockRow
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
