// Package storetest provides store fixtures for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/Martian-dev/inbox-digest/internal/store"
)

// New creates an in-memory Store with all migrations applied.
// It automatically closes the store when the test completes.
func New(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverModernc, ":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// AddUser registers a Google user with a refresh token and returns it.
func AddUser(t *testing.T, s *store.Store, id, notificationTime string) *store.User {
	t.Helper()

	ctx := context.Background()
	err := s.UpsertUser(ctx, store.User{
		ID:               id,
		Provider:         store.ProviderGoogle,
		RefreshToken:     "refresh-" + id,
		NotificationTime: notificationTime,
	})
	if err != nil {
		t.Fatalf("adding user %s: %v", id, err)
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("reading user %s: %v", id, err)
	}
	return u
}
