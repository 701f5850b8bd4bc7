package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
)

// UserLister selects users for a sweep.
type UserLister interface {
	ListUsersDueAt(ctx context.Context, hhmm string) ([]*store.User, error)
}

// Notifier delivers a finished digest to its owner.
type Notifier interface {
	SendDigest(ctx context.Context, user *store.User, snap *digest.Snapshot) error
}

// SweepReport counts the users a sweep touched.
type SweepReport struct {
	At        string `json:"at"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Manager runs cycles on demand and on the per-minute schedule, and keeps
// track of the cycles running in this process.
type Manager struct {
	runner      *Runner
	users       UserLister
	notifier    Notifier
	log         zerolog.Logger
	concurrency int
	now         func() time.Time

	runners      map[string]context.CancelFunc
	runnersMutex gosync.RWMutex
	sweeps       gosync.WaitGroup
}

// NewManager creates a manager. notifier may be nil. concurrency bounds
// parallel cycles within one sweep; zero means unbounded.
func NewManager(runner *Runner, users UserLister, notifier Notifier, concurrency int, log zerolog.Logger) *Manager {
	return &Manager{
		runner:      runner,
		users:       users,
		notifier:    notifier,
		log:         log.With().Str("component", "scheduler").Logger(),
		concurrency: concurrency,
		now:         time.Now,
		runners:     make(map[string]context.CancelFunc),
	}
}

// Trigger runs one cycle for userID now and waits for it.
func (m *Manager) Trigger(ctx context.Context, userID string) (*CycleReport, error) {
	return m.run(ctx, userID, TriggerManual)
}

func (m *Manager) run(ctx context.Context, userID string, trigger Trigger) (*CycleReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.runnersMutex.Lock()
	if _, exists := m.runners[userID]; exists {
		m.runnersMutex.Unlock()
		return nil, &CycleError{UserID: userID, Stage: StageLease, Err: ErrCycleInProgress}
	}
	m.runners[userID] = cancel
	m.runnersMutex.Unlock()

	defer func() {
		m.runnersMutex.Lock()
		delete(m.runners, userID)
		m.runnersMutex.Unlock()
	}()

	return m.runner.RunCycle(runCtx, userID, trigger)
}

// Sweep runs a cycle for every user whose notification time is the UTC
// minute of at. Users are independent: a failure or panic in one cycle is
// counted and logged, never propagated.
func (m *Manager) Sweep(ctx context.Context, at time.Time) SweepReport {
	report := SweepReport{At: at.UTC().Format("15:04")}

	users, err := m.users.ListUsersDueAt(ctx, report.At)
	if err != nil {
		m.log.Error().Err(err).Str("at", report.At).Msg("list due users")
		return report
	}

	var (
		mu gosync.Mutex
		g  errgroup.Group
	)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}

	for _, u := range users {
		g.Go(func() error {
			result := m.sweepUser(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			report.Attempted++
			switch result {
			case sweepSucceeded:
				report.Succeeded++
			case sweepSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info().
		Str("at", report.At).
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("sweep complete")
	return report
}

type sweepResult int

const (
	sweepFailed sweepResult = iota
	sweepSucceeded
	sweepSkipped
)

func (m *Manager) sweepUser(ctx context.Context, u *store.User) (result sweepResult) {
	log := m.log.With().Str("user", u.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("cycle panicked")
			result = sweepFailed
		}
	}()

	if u.RefreshToken == "" {
		log.Error().Err(ErrNoRefreshToken).Msg("skipping user")
		return sweepFailed
	}

	report, err := m.run(ctx, u.ID, TriggerScheduled)
	if errors.Is(err, ErrCycleInProgress) {
		return sweepSkipped
	}
	if err != nil {
		// already logged by the runner
		return sweepFailed
	}

	m.notify(ctx, u, report)
	return sweepSucceeded
}

func (m *Manager) notify(ctx context.Context, u *store.User, report *CycleReport) {
	if m.notifier == nil || !u.NotifyByEmail || report.Snapshot == nil || report.Snapshot.Summary.Len() == 0 {
		return
	}
	if err := m.notifier.SendDigest(ctx, u, report.Snapshot); err != nil {
		m.log.Warn().Err(err).Str("user", u.ID).Msg("send digest email")
	}
}

// Run sweeps at the start of every UTC minute until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Msg("scheduler started")
	for {
		next := m.now().UTC().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			m.StopAll()
			m.sweeps.Wait()
			m.log.Info().Msg("scheduler stopped")
			return nil
		case <-timer.C:
			m.sweeps.Add(1)
			go func() {
				defer m.sweeps.Done()
				m.Sweep(ctx, next)
			}()
		}
	}
}

// IsRunning checks if a cycle is running for a user in this process
func (m *Manager) IsRunning(userID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[userID]
	return exists
}

// StopAll cancels all running cycles
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for key, cancel := range m.runners {
		m.log.Info().Str("user", key).Msg("cancelling cycle")
		cancel()
	}
}

// RunningCycles returns the users with a cycle in flight, sorted.
func (m *Manager) RunningCycles() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	users := make([]string, 0, len(m.runners))
	for key := range m.runners {
		users = append(users, key)
	}
	sort.Strings(users)
	return users
}
