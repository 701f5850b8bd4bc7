package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/store/storetest"
)

type recordingNotifier struct {
	mu   gosync.Mutex
	sent []string
}

func (n *recordingNotifier) SendDigest(ctx context.Context, u *store.User, snap *digest.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, u.ID)
	return nil
}

func TestSweepIsolatesUsers(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	storetest.AddUser(t, st, "good@example.com", "08:00")
	storetest.AddUser(t, st, "broken@example.com", "08:00")
	storetest.AddUser(t, st, "later@example.com", "09:00")
	be.Err(t, st.UpsertUser(ctx, store.User{ID: "nocreds@example.com", Provider: store.ProviderGoogle, NotificationTime: "08:00"}), nil)

	notify := true
	be.Err(t, st.UpdatePreferences(ctx, "good@example.com", store.Preferences{NotifyByEmail: &notify}), nil)
	seedDigest(t, st, "good@example.com")

	gen := &fakeGenerator{}
	r := newTestRunner(t, st, gen, nil)
	r.Providers = func(ctx context.Context, u *store.User, tok *auth.Token) (MailProvider, error) {
		if u.ID == "broken@example.com" {
			return &fakeMailbox{listErr: errors.New("mailbox unavailable")}, nil
		}
		return &fakeMailbox{}, nil
	}

	notifier := &recordingNotifier{}
	m := NewManager(r, st, notifier, 0, zerolog.Nop())

	report := m.Sweep(ctx, time.Date(2025, 3, 10, 8, 0, 42, 0, time.UTC))
	be.Equal(t, report.At, "08:00")
	be.Equal(t, report.Attempted, 3)
	be.Equal(t, report.Succeeded, 1)
	be.Equal(t, report.Failed, 2)
	be.Equal(t, report.Skipped, 0)
	be.Equal(t, notifier.sent, []string{"good@example.com"})

	good, err := st.GetUser(ctx, "good@example.com")
	be.Err(t, err, nil)
	be.True(t, good.LastSyncAt.Equal(testNow))

	broken, err := st.GetUser(ctx, "broken@example.com")
	be.Err(t, err, nil)
	be.True(t, broken.LastSyncAt == nil)

	later, err := st.GetUser(ctx, "later@example.com")
	be.Err(t, err, nil)
	be.True(t, later.LastSyncAt == nil)
}

func TestSweepCountsHeldLeaseAsSkipped(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	ok, err := st.AcquireLease(ctx, "ada@example.com", "manual-run", time.Hour, testNow)
	be.Err(t, err, nil)
	be.True(t, ok)

	r := newTestRunner(t, st, &fakeGenerator{}, &fakeMailbox{})
	m := NewManager(r, st, nil, 2, zerolog.Nop())

	report := m.Sweep(ctx, testNow)
	be.Equal(t, report.Attempted, 1)
	be.Equal(t, report.Skipped, 1)
}

type panickyMailbox struct{ fakeMailbox }

func (p *panickyMailbox) ListMessages(ctx context.Context, since time.Time, max int) ([]MessageRef, error) {
	panic("provider bug")
}

func TestSweepRecoversPanics(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "a@example.com", "08:00")
	storetest.AddUser(t, st, "b@example.com", "08:00")

	r := newTestRunner(t, st, &fakeGenerator{}, nil)
	r.Providers = func(ctx context.Context, u *store.User, tok *auth.Token) (MailProvider, error) {
		if u.ID == "a@example.com" {
			return &panickyMailbox{}, nil
		}
		return &fakeMailbox{}, nil
	}
	m := NewManager(r, st, nil, 0, zerolog.Nop())

	report := m.Sweep(context.Background(), testNow)
	be.Equal(t, report.Attempted, 2)
	be.Equal(t, report.Succeeded, 1)
	be.Equal(t, report.Failed, 1)
	be.Equal(t, len(m.RunningCycles()), 0)
}

// blockingMailbox holds ListMessages until released.
type blockingMailbox struct {
	fakeMailbox
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMailbox) ListMessages(ctx context.Context, since time.Time, max int) ([]MessageRef, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestTriggerRejectsConcurrentCycle(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	mailbox := &blockingMailbox{entered: make(chan struct{}), release: make(chan struct{})}
	r := newTestRunner(t, st, &fakeGenerator{}, mailbox)
	m := NewManager(r, st, nil, 0, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := m.Trigger(context.Background(), "ada@example.com")
		done <- err
	}()

	<-mailbox.entered
	be.True(t, m.IsRunning("ada@example.com"))
	be.Equal(t, m.RunningCycles(), []string{"ada@example.com"})

	_, err := m.Trigger(context.Background(), "ada@example.com")
	be.Err(t, err, ErrCycleInProgress)

	close(mailbox.release)
	be.Err(t, <-done, nil)
	be.True(t, !m.IsRunning("ada@example.com"))
}
