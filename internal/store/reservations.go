package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Reservation is an opaque named lease on (project_id, resource_key). A row
// is held iff expires_at is in the future; expired rows are free to
// overwrite.
type Reservation struct {
	ProjectID     string
	ResourceKey   string
	HolderAgentID string
	HolderAlias   string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	MetadataJSON  string
}

const reservationCols = "project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata_json"

// GetReservation returns the row for the key regardless of expiry, or nil.
func (s *Store) GetReservation(ctx context.Context, projectID, resourceKey string) (*Reservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx,
		"SELECT "+reservationCols+" FROM reservations WHERE project_id = ? AND resource_key = ?",
		projectID, resourceKey))
}

// AcquireReservation atomically claims the key for r's holder. If an
// unexpired row exists the claim fails and the current holder's row is
// returned; expired rows are overwritten.
func (s *Store) AcquireReservation(ctx context.Context, r *Reservation, now time.Time) (conflict *Reservation, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanReservation(tx.QueryRowContext(ctx,
		"SELECT "+reservationCols+" FROM reservations WHERE project_id = ? AND resource_key = ?",
		r.ProjectID, r.ResourceKey))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ExpiresAt.After(now) {
			return existing, nil
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM reservations WHERE project_id = ? AND resource_key = ?",
			r.ProjectID, r.ResourceKey); err != nil {
			return nil, fmt.Errorf("clear expired reservation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ProjectID, r.ResourceKey, r.HolderAgentID, r.HolderAlias,
		tsOf(r.AcquiredAt), tsOf(r.ExpiresAt), nullStr(r.MetadataJSON)); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire: %w", err)
	}
	return nil, nil
}

// UpdateReservationExpiry extends the lease.
func (s *Store) UpdateReservationExpiry(ctx context.Context, projectID, resourceKey string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET expires_at = ? WHERE project_id = ? AND resource_key = ?",
		tsOf(expiresAt), projectID, resourceKey)
	if err != nil {
		return fmt.Errorf("update reservation expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reservation expiry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reservation not found: %s", resourceKey)
	}
	return nil
}

// DeleteReservation removes the row only while holderAgentID still holds it
// or the lease has lapsed, so a racing re-acquire by another agent cannot be
// destroyed by a stale release. Returns false when no row matched.
func (s *Store) DeleteReservation(ctx context.Context, projectID, resourceKey, holderAgentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM reservations WHERE project_id = ? AND resource_key = ? AND (holder_agent_id = ? OR expires_at <= ?)",
		projectID, resourceKey, holderAgentID, tsOf(now))
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}
	return n > 0, nil
}

// ListReservations returns the project's unexpired leases ordered by key,
// optionally restricted to keys starting with prefix.
func (s *Store) ListReservations(ctx context.Context, projectID, prefix string, now time.Time) ([]*Reservation, error) {
	q := "SELECT " + reservationCols + " FROM reservations WHERE project_id = ? AND expires_at > ?"
	args := []any{projectID, tsOf(now)}
	if prefix != "" {
		q += ` AND resource_key LIKE ? ESCAPE '\'`
		args = append(args, EscapeLike(prefix)+"%")
	}
	q += " ORDER BY resource_key"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

// DeleteReservationsHeldBy removes the agent's unexpired leases, optionally
// restricted to keys starting with prefix. Returns the released keys.
func (s *Store) DeleteReservationsHeldBy(ctx context.Context, projectID, agentID, prefix string, now time.Time) ([]string, error) {
	q := `SELECT resource_key FROM reservations
		WHERE project_id = ? AND holder_agent_id = ? AND expires_at > ?`
	args := []any{projectID, agentID, tsOf(now)}
	if prefix != "" {
		q += ` AND resource_key LIKE ? ESCAPE '\'`
		args = append(args, EscapeLike(prefix)+"%")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select held reservations: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan held reservation: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate held reservations: %w", err)
	}
	rows.Close()

	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM reservations WHERE project_id = ? AND resource_key = ?",
			projectID, k); err != nil {
			return nil, fmt.Errorf("delete held reservation: %w", err)
		}
	}
	return keys, nil
}

// CountHeldReservations returns the number of unexpired leases across all
// projects.
func (s *Store) CountHeldReservations(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reservations WHERE expires_at > ?", tsOf(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return n, nil
}

// DeleteExpiredReservations removes rows whose lease has lapsed. Expiry is
// already enforced lazily at read time; this keeps the table from growing
// without bound.
func (s *Store) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM reservations WHERE expires_at <= ?", tsOf(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}
	return n, nil
}

func scanReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var acquired, expires int64
	var metadata sql.NullString
	err := row.Scan(&r.ProjectID, &r.ResourceKey, &r.HolderAgentID, &r.HolderAlias,
		&acquired, &expires, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	r.AcquiredAt = timeAt(acquired)
	r.ExpiresAt = timeAt(expires)
	r.MetadataJSON = strOf(metadata)
	return &r, nil
}
