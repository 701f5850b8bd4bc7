package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunCompleted = "COMPLETED"
	RunSkipped   = "SKIPPED"
	RunFailed    = "FAILED"
)

// Run is the recorded outcome of one sync cycle.
type Run struct {
	CycleID        string    `json:"cycleId"`
	UserID         string    `json:"userId"`
	Trigger        string    `json:"trigger"`
	Stage          string    `json:"stage"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Fetched        int       `json:"fetched"`
	Relevant       int       `json:"relevant"`
	SkippedBatches int       `json:"skippedBatches"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

type runRow struct {
	CycleID        string `db:"cycle_id"`
	UserID         string `db:"user_id"`
	Trigger        string `db:"trigger_kind"`
	Stage          string `db:"stage"`
	Status         string `db:"status"`
	Error          string `db:"error"`
	Fetched        int    `db:"fetched"`
	Relevant       int    `db:"relevant"`
	SkippedBatches int    `db:"skipped_batches"`
	StartedAt      int64  `db:"started_at"`
	FinishedAt     int64  `db:"finished_at"`
}

// RecordRun stores the outcome of a cycle.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_runs
		(cycle_id, user_id, trigger_kind, stage, status, error, fetched, relevant, skipped_batches, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.CycleID, r.UserID, r.Trigger, r.Stage, r.Status, r.Error, r.Fetched, r.Relevant,
		r.SkippedBatches, unixMilli(r.StartedAt), unixMilli(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.CycleID, err)
	}
	return nil
}

// LastRun returns the most recent run for a user or ErrNotFound.
func (s *Store) LastRun(ctx context.Context, userID string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT cycle_id, user_id, trigger_kind, stage, status, error, fetched, relevant,
		       skipped_batches, started_at, finished_at
		FROM sync_runs
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last run %s: %w", userID, err)
	}
	return &Run{
		CycleID:        row.CycleID,
		UserID:         row.UserID,
		Trigger:        row.Trigger,
		Stage:          row.Stage,
		Status:         row.Status,
		Error:          row.Error,
		Fetched:        row.Fetched,
		Relevant:       row.Relevant,
		SkippedBatches: row.SkippedBatches,
		StartedAt:      fromMilli(row.StartedAt),
		FinishedAt:     fromMilli(row.FinishedAt),
	}, nil
}
