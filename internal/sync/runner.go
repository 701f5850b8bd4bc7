package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
	"github.com/Martian-dev/inbox-digest/internal/store"
)

// Store is the durable state a cycle reads and writes.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	SaveAccessToken(ctx context.Context, id, token string, expiry time.Time) error
	AdvanceWatermark(ctx context.Context, id string, at time.Time) error
	GetDigest(ctx context.Context, userID string) (*digest.Snapshot, error)
	CommitCycle(ctx context.Context, c store.Commit) error
	AcquireLease(ctx context.Context, userID, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, userID, owner string) error
	RecordRun(ctx context.Context, r store.Run) error
}

// Identity refreshes mailbox credentials.
type Identity interface {
	Refresh(ctx context.Context, provider auth.Provider, refreshToken string) (*auth.Token, error)
}

// ProviderFactory creates a mailbox provider for a user and fresh token.
type ProviderFactory func(ctx context.Context, user *store.User, tok *auth.Token) (MailProvider, error)

// Trigger records what started a cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Outcome is how a successful cycle ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeNoMessages Outcome = "no_messages"
	OutcomeNoRelevant Outcome = "no_relevant"
)

// Options tunes the pipeline.
type Options struct {
	MaxMessages       int
	BatchSize         int
	BatchParallelism  int
	Retention         time.Duration
	DefaultLookback   time.Duration
	RelevanceMatch    digest.MatchMode
	ClearOnNoRelevant bool
	LeaseTTL          time.Duration
	CycleTimeout      time.Duration
}

// DefaultOptions returns the production pipeline settings.
func DefaultOptions() Options {
	return Options{
		MaxMessages:      DefaultMaxMessages,
		BatchSize:        DefaultBatchSize,
		BatchParallelism: 1,
		Retention:        digest.DefaultRetention,
		DefaultLookback:  digest.DefaultLookback,
		RelevanceMatch:   digest.MatchSubjectSender,
		LeaseTTL:         10 * time.Minute,
		CycleTimeout:     5 * time.Minute,
	}
}

// CycleReport describes a successful cycle.
type CycleReport struct {
	CycleID        string           `json:"cycleId"`
	UserID         string           `json:"userId"`
	Trigger        Trigger          `json:"trigger"`
	Outcome        Outcome          `json:"outcome"`
	Fetched        int              `json:"fetched"`
	Relevant       int              `json:"relevant"`
	SkippedBatches int              `json:"skippedBatches"`
	Watermark      time.Time        `json:"watermark"`
	Snapshot       *digest.Snapshot `json:"snapshot"`
}

// Runner executes sync cycles for one user at a time.
type Runner struct {
	Store     Store
	Identity  Identity
	Providers ProviderFactory
	Generator llm.Generator
	Options   Options
	Log       zerolog.Logger
	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// RunCycle runs one complete cycle for userID. Every failure is returned
// as a *CycleError carrying the stage it happened in; nothing is persisted
// for a failed cycle beyond a refreshed access token.
func (r *Runner) RunCycle(ctx context.Context, userID string, trigger Trigger) (*CycleReport, error) {
	cycleID := r.newID()
	log := r.Log.With().Str("user", userID).Str("cycle", cycleID).Str("trigger", string(trigger)).Logger()
	started := r.now()

	if r.Options.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Options.CycleTimeout)
		defer cancel()
	}

	ttl := r.Options.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultOptions().LeaseTTL
	}
	ok, err := r.Store.AcquireLease(ctx, userID, cycleID, ttl, started)
	if err != nil {
		return nil, r.fail(log, userID, StageLease, &PersistenceError{Op: "acquire lease", Err: err})
	}
	if !ok {
		log.Info().Msg("cycle already in progress, skipping")
		return nil, &CycleError{UserID: userID, Stage: StageLease, Err: ErrCycleInProgress}
	}
	defer func() {
		// the cycle context may already be done
		if err := r.Store.ReleaseLease(context.WithoutCancel(ctx), userID, cycleID); err != nil {
			log.Warn().Err(err).Msg("release lease")
		}
	}()

	c := &cycle{Runner: r, id: cycleID, userID: userID, log: log}
	report, err := c.run(ctx)

	run := store.Run{
		CycleID:    cycleID,
		UserID:     userID,
		Trigger:    string(trigger),
		Stage:      string(c.stage),
		Fetched:    c.fetched,
		Relevant:   c.relevant,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		r.record(context.WithoutCancel(ctx), log, run)
		return nil, r.fail(log, userID, c.stage, err)
	}

	report.Trigger = trigger
	run.Status = store.RunCompleted
	run.SkippedBatches = report.SkippedBatches
	r.record(ctx, log, run)

	log.Info().
		Str("outcome", string(report.Outcome)).
		Int("fetched", report.Fetched).
		Int("relevant", report.Relevant).
		Int("skipped_batches", report.SkippedBatches).
		Dur("took", r.now().Sub(started)).
		Msg("cycle complete")
	return report, nil
}

func (r *Runner) fail(log zerolog.Logger, userID string, stage Stage, err error) error {
	log.Error().Err(err).Str("stage", string(stage)).Msg("cycle failed")
	return &CycleError{UserID: userID, Stage: stage, Err: err}
}

func (r *Runner) record(ctx context.Context, log zerolog.Logger, run store.Run) {
	if err := r.Store.RecordRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("record run")
	}
}

// cycle is the state of one run through the stages.
type cycle struct {
	*Runner
	id     string
	userID string
	log    zerolog.Logger

	stage    Stage
	fetched  int
	relevant int
}

func (c *cycle) enter(s Stage) {
	c.stage = s
	c.log.Debug().Str("stage", string(s)).Msg("stage")
}

func (c *cycle) run(ctx context.Context) (*CycleReport, error) {
	c.enter(StageTokenRefresh)
	user, err := c.Store.GetUser(ctx, c.userID)
	if err != nil {
		return nil, &PersistenceError{Op: "get user", Err: err}
	}
	if user.RefreshToken == "" {
		return nil, &AuthError{Provider: user.Provider, Err: ErrNoRefreshToken}
	}
	tok, err := c.Identity.Refresh(ctx, auth.Provider(user.Provider), user.RefreshToken)
	if err != nil {
		return nil, &AuthError{Provider: user.Provider, Err: err}
	}
	if tok.AccessToken != "" {
		if err := c.Store.SaveAccessToken(ctx, user.ID, tok.AccessToken, tok.Expiry); err != nil {
			return nil, &PersistenceError{Op: "save access token", Err: err}
		}
	}

	c.enter(StageFetch)
	mailbox, err := c.Providers(ctx, user, tok)
	if err != nil {
		return nil, &ProviderError{Op: "connect", Err: err}
	}
	// the watermark is the instant the mailbox query starts
	now := c.now()
	since := digest.WindowStart(user.LastSyncAt, now, c.Options.DefaultLookback)
	fetcher := &Fetcher{MaxMessages: c.Options.MaxMessages, Now: c.now}
	messages, err := fetcher.Fetch(ctx, mailbox, since)
	if err != nil {
		return nil, err
	}
	c.fetched = len(messages)
	c.log.Debug().Time("since", since).Int("messages", len(messages)).Msg("fetched")

	if len(messages) == 0 {
		return c.keepDigest(ctx, now, OutcomeNoMessages)
	}

	c.enter(StageClassify)
	classifier := &Classifier{Generator: c.Generator}
	classification, err := classifier.Classify(ctx, messages)
	if err != nil {
		return nil, err
	}

	c.enter(StageRelevance)
	relevant := digest.SelectRelevant(messages, classification, c.Options.RelevanceMatch)
	c.relevant = len(relevant)
	for _, ref := range digest.Unmatched(messages, classification, c.Options.RelevanceMatch) {
		c.log.Warn().
			Str("subject", ref.Subject).
			Str("sender", ref.Sender).
			Str("match", string(c.Options.RelevanceMatch)).
			Msg("classified message matches no fetched message")
	}
	if len(relevant) == 0 {
		if !c.Options.ClearOnNoRelevant {
			return c.keepDigest(ctx, now, OutcomeNoRelevant)
		}
		c.enter(StagePersist)
		snap := &digest.Snapshot{Summary: digest.New(), CreatedAt: c.now(), CycleID: c.id}
		if err := c.commit(ctx, snap, now, OutcomeNoRelevant); err != nil {
			return nil, err
		}
		return c.report(OutcomeNoRelevant, now, snap, 0), nil
	}

	c.enter(StageSummarize)
	summarizer := &Summarizer{
		Generator:   c.Generator,
		BatchSize:   c.Options.BatchSize,
		Parallelism: c.Options.BatchParallelism,
		Log:         c.log,
	}
	summary, err := summarizer.Summarize(ctx, relevant, user.SummaryFormat)
	if err != nil {
		return nil, err
	}

	c.enter(StageMerge)
	prev, err := c.Store.GetDigest(ctx, c.userID)
	if err != nil {
		return nil, &PersistenceError{Op: "get digest", Err: err}
	}
	var previous digest.Digest
	if prev != nil {
		previous = prev.Summary
	}
	retention := c.Options.Retention
	if retention <= 0 {
		retention = digest.DefaultRetention
	}
	merged := digest.Merge(summary.Digest, previous, c.now(), retention)

	c.enter(StageMetaSummarize)
	meta := (&MetaSummarizer{Generator: c.Generator, Log: c.log}).Summarize(ctx, merged)

	c.enter(StagePersist)
	snap := &digest.Snapshot{Summary: merged, MetaSummary: meta, CreatedAt: c.now(), CycleID: c.id}
	if err := c.commit(ctx, snap, now, OutcomeCompleted); err != nil {
		return nil, err
	}
	return c.report(OutcomeCompleted, now, snap, summary.SkippedBatches), nil
}

// keepDigest advances the watermark and leaves the stored digest alone.
func (c *cycle) keepDigest(ctx context.Context, watermark time.Time, outcome Outcome) (*CycleReport, error) {
	c.enter(StagePersist)
	prev, err := c.Store.GetDigest(ctx, c.userID)
	if err != nil {
		return nil, &PersistenceError{Op: "get digest", Err: err}
	}
	if err := c.Store.AdvanceWatermark(ctx, c.userID, watermark); err != nil {
		return nil, &PersistenceError{Op: "advance watermark", Err: err}
	}
	if prev == nil {
		prev = digest.EmptySnapshot()
	}
	return c.report(outcome, watermark, prev, 0), nil
}

func (c *cycle) commit(ctx context.Context, snap *digest.Snapshot, watermark time.Time, outcome Outcome) error {
	event, err := digestEvent(c.userID, c.id, outcome, snap, c.now())
	if err != nil {
		return &PersistenceError{Op: "encode event", Err: err}
	}
	err = c.Store.CommitCycle(ctx, store.Commit{
		UserID:    c.userID,
		CycleID:   c.id,
		Snapshot:  snap,
		Watermark: watermark,
		Event:     event,
	})
	if err != nil {
		return &PersistenceError{Op: "commit cycle", Err: err}
	}
	return nil
}

func (c *cycle) report(outcome Outcome, watermark time.Time, snap *digest.Snapshot, skipped int) *CycleReport {
	return &CycleReport{
		CycleID:        c.id,
		UserID:         c.userID,
		Outcome:        outcome,
		Fetched:        c.fetched,
		Relevant:       c.relevant,
		SkippedBatches: skipped,
		Watermark:      watermark,
		Snapshot:       snap,
	}
}

// IsNotFound reports whether err means the user is not registered.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
