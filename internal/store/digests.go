package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/inbox-digest/internal/digest"
)

// GetDigest returns the stored snapshot for a user, or nil when the user
// has no digest yet.
func (s *Store) GetDigest(ctx context.Context, userID string) (*digest.Snapshot, error) {
	var row struct {
		Summary     string `db:"summary"`
		MetaSummary string `db:"meta_summary"`
		CycleID     string `db:"cycle_id"`
		CreatedAt   int64  `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT summary, meta_summary, cycle_id, created_at FROM digests WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get digest %s: %w", userID, err)
	}

	d := digest.New()
	if err := json.Unmarshal([]byte(row.Summary), &d); err != nil {
		return nil, fmt.Errorf("decode digest %s: %w", userID, err)
	}
	// rows written before a category existed
	for _, cat := range digest.Persisted {
		if d[cat] == nil {
			d[cat] = []digest.Entry{}
		}
	}
	return &digest.Snapshot{
		Summary:     d,
		MetaSummary: row.MetaSummary,
		CreatedAt:   fromMilli(row.CreatedAt),
		CycleID:     row.CycleID,
	}, nil
}

// OutboxEvent is an event queued for publication.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// Commit is everything a completed cycle writes.
type Commit struct {
	UserID    string
	CycleID   string
	Snapshot  *digest.Snapshot
	Watermark time.Time
	// Event is optional.
	Event *OutboxEvent
}

// CommitCycle replaces the user's digest, advances the watermark and
// queues the event in a single transaction.
func (s *Store) CommitCycle(ctx context.Context, c Commit) error {
	if c.Snapshot == nil {
		return errors.New("commit without snapshot")
	}
	summary, err := json.Marshal(c.Snapshot.Summary)
	if err != nil {
		return fmt.Errorf("encode digest: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE users SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		unixMilli(c.Watermark), time.Now().UnixMilli(), c.UserID)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO digests (user_id, summary, meta_summary, cycle_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			meta_summary = excluded.meta_summary,
			cycle_id = excluded.cycle_id,
			created_at = excluded.created_at
	`, c.UserID, string(summary), c.Snapshot.MetaSummary, c.CycleID, unixMilli(c.Snapshot.CreatedAt))
	if err != nil {
		return fmt.Errorf("write digest: %w", err)
	}

	if c.Event != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, c.Event.Subject, c.Event.EventType, c.Event.Payload, c.Event.MsgID, now)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
