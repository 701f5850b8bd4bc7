package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mailbox providers a user can be registered with.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderIMAP      = "imap"
)

// Summary formats carried into the summarizer prompt.
const (
	FormatConcise  = "concise"
	FormatDetailed = "detailed"
)

// User is a registered mailbox owner. ID is the user key (the email
// address for OAuth users).
type User struct {
	ID               string
	Email            string
	Name             string
	Provider         string
	RefreshToken     string
	AccessToken      string
	TokenExpiry      time.Time
	NotificationTime string
	SummaryFormat    string
	NotifyByEmail    bool
	// LastSyncAt is the watermark; nil until the first successful cycle.
	LastSyncAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type userRow struct {
	ID               string        `db:"id"`
	Email            string        `db:"email"`
	Name             string        `db:"name"`
	Provider         string        `db:"provider"`
	RefreshToken     string        `db:"refresh_token"`
	AccessToken      string        `db:"access_token"`
	TokenExpiry      int64         `db:"token_expiry"`
	NotificationTime string        `db:"notification_time"`
	SummaryFormat    string        `db:"summary_format"`
	NotifyByEmail    bool          `db:"notify_by_email"`
	LastSyncAt       sql.NullInt64 `db:"last_sync_at"`
	CreatedAt        int64         `db:"created_at"`
	UpdatedAt        int64         `db:"updated_at"`
}

func (r userRow) user() *User {
	u := &User{
		ID:               r.ID,
		Email:            r.Email,
		Name:             r.Name,
		Provider:         r.Provider,
		RefreshToken:     r.RefreshToken,
		AccessToken:      r.AccessToken,
		TokenExpiry:      fromMilli(r.TokenExpiry),
		NotificationTime: r.NotificationTime,
		SummaryFormat:    r.SummaryFormat,
		NotifyByEmail:    r.NotifyByEmail,
		CreatedAt:        fromMilli(r.CreatedAt),
		UpdatedAt:        fromMilli(r.UpdatedAt),
	}
	if r.LastSyncAt.Valid {
		t := fromMilli(r.LastSyncAt.Int64)
		u.LastSyncAt = &t
	}
	return u
}

const userColumns = `id, email, name, provider, refresh_token, access_token, token_expiry,
	notification_time, summary_format, notify_by_email, last_sync_at, created_at, updated_at`

// UpsertUser registers a user or updates their registration. An empty
// refresh token keeps the stored one. The watermark is never touched.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if u.Email == "" {
		u.Email = u.ID
	}
	if u.SummaryFormat == "" {
		u.SummaryFormat = FormatConcise
	}
	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, provider, refresh_token, notification_time,
			summary_format, notify_by_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			provider = excluded.provider,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE users.refresh_token END,
			notification_time = excluded.notification_time,
			summary_format = excluded.summary_format,
			notify_by_email = excluded.notify_by_email,
			updated_at = excluded.updated_at
	`, u.ID, u.Email, u.Name, u.Provider, u.RefreshToken, u.NotificationTime,
		u.SummaryFormat, u.NotifyByEmail, now, now)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user with the given key or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return row.user(), nil
}

// ListUsers returns every registered user ordered by key.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	return s.selectUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

// ListUsersDueAt returns users whose notification time equals hhmm.
func (s *Store) ListUsersDueAt(ctx context.Context, hhmm string) ([]*User, error) {
	return s.selectUsers(ctx, `SELECT `+userColumns+` FROM users WHERE notification_time = ? ORDER BY id`, hhmm)
}

func (s *Store) selectUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]*User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user())
	}
	return users, nil
}

// SaveAccessToken stores the access token produced by a refresh.
func (s *Store) SaveAccessToken(ctx context.Context, id, token string, expiry time.Time) error {
	return s.updateUser(ctx, id, `UPDATE users SET access_token = ?, token_expiry = ?, updated_at = ? WHERE id = ?`,
		token, unixMilli(expiry), time.Now().UnixMilli(), id)
}

// Preferences is a partial update of user settings; nil fields are left as is.
type Preferences struct {
	NotificationTime *string
	SummaryFormat    *string
	NotifyByEmail    *bool
}

// UpdatePreferences applies the non-nil fields of p.
func (s *Store) UpdatePreferences(ctx context.Context, id string, p Preferences) error {
	return s.updateUser(ctx, id, `
		UPDATE users SET
			notification_time = COALESCE(?, notification_time),
			summary_format = COALESCE(?, summary_format),
			notify_by_email = COALESCE(?, notify_by_email),
			updated_at = ?
		WHERE id = ?
	`, p.NotificationTime, p.SummaryFormat, p.NotifyByEmail, time.Now().UnixMilli(), id)
}

// ResetWatermark forgets the last sync time so the next cycle falls back
// to the default lookback window.
func (s *Store) ResetWatermark(ctx context.Context, id string) error {
	return s.updateUser(ctx, id, `UPDATE users SET last_sync_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
}

// AdvanceWatermark sets the last sync time without touching the digest.
func (s *Store) AdvanceWatermark(ctx context.Context, id string, at time.Time) error {
	return s.updateUser(ctx, id, `UPDATE users SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		unixMilli(at), time.Now().UnixMilli(), id)
}

func (s *Store) updateUser(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
