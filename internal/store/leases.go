package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the per-user sync lease for owner. It reports false
// when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, userID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_leases (user_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= ? OR sync_leases.owner = excluded.owner
	`, userID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", userID, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, userID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE user_id = ? AND owner = ?`, userID, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", userID, err)
	}
	return nil
}
