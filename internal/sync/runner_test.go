package sync

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/store/storetest"
)

const (
	alice = "Alice <alice@example.com>"
	bob   = "Bob <bob@example.com>"
)

func seedDigest(t *testing.T, st *store.Store, userID string) *digest.Snapshot {
	t.Helper()
	d := digest.New()
	d[digest.Important] = []digest.Entry{{Subject: "Old", Sender: bob, Summary: "Earlier news.", Date: testNow.Add(-2 * time.Hour).Format(time.RFC3339)}}
	snap := &digest.Snapshot{Summary: d, MetaSummary: "Earlier.", CreatedAt: testNow.Add(-time.Hour), CycleID: "seed"}
	be.Err(t, st.CommitCycle(context.Background(), store.Commit{
		UserID:    userID,
		CycleID:   "seed",
		Snapshot:  snap,
		Watermark: testNow.Add(-3 * time.Hour),
	}), nil)
	return snap
}

func TestRunCycleEmptyFetchAdvancesWatermarkOnly(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")
	seedDigest(t, st, "ada@example.com")

	gen := &fakeGenerator{}
	mailbox := &fakeMailbox{}
	r := newTestRunner(t, st, gen, mailbox)

	report, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)
	be.Equal(t, report.Outcome, OutcomeNoMessages)
	be.Equal(t, report.Snapshot.CycleID, "seed")
	be.Equal(t, len(gen.calls), 0)
	be.True(t, mailbox.since.Equal(testNow.Add(-3*time.Hour)))

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt.Equal(testNow))
	be.Equal(t, u.AccessToken, "access-refresh-ada@example.com")

	snap, err := st.GetDigest(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, snap.CycleID, "seed")
	be.Equal(t, snap.MetaSummary, "Earlier.")
}

func TestRunCycleFirstSyncUsesDefaultLookback(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	mailbox := &fakeMailbox{}
	r := newTestRunner(t, st, &fakeGenerator{}, mailbox)

	report, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)
	be.True(t, mailbox.since.Equal(testNow.Add(-24*time.Hour)))
	be.Equal(t, report.Snapshot.Summary.Len(), 0)
	be.Equal(t, len(report.Snapshot.Summary), len(digest.Persisted))
}

func TestRunCycleClassifyFailureLeavesStateUntouched(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	gen := &fakeGenerator{
		classify: func(string) (string, error) { return "Sorry, I cannot do that.", nil },
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{
		rawMessage("m1", "A", alice, "body a", testNow.Add(-time.Hour)),
	}}
	r := newTestRunner(t, st, gen, mailbox)

	_, err := r.RunCycle(context.Background(), "ada@example.com", TriggerScheduled)
	be.True(t, err != nil)
	be.True(t, IsMalformed(err))
	be.Equal(t, StageOf(err), StageClassify)
	be.Equal(t, gen.count(summarizeSystem), 0)

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt == nil)

	snap, err := st.GetDigest(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, snap == nil)

	run, err := st.LastRun(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, run.Status, store.RunFailed)
	be.Equal(t, run.Stage, string(StageClassify))
	be.Equal(t, run.Trigger, string(TriggerScheduled))
}

func TestRunCycleFullPipeline(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")
	seedDigest(t, st, "ada@example.com")

	dateA := testNow.Add(-time.Hour).Format(time.RFC3339)
	gen := &fakeGenerator{
		classify: func(string) (string, error) {
			return `{"urgent":[{"subject":"A","sender":"` + alice + `"}],
				"important":[],"goodToKnow":[],
				"notImportant":[{"subject":"B","sender":"` + bob + `"}],"spam":[]}`, nil
		},
		batch: func(string) (string, error) {
			return entryJSON(digest.Urgent, digest.Entry{Subject: "A", Sender: alice, Summary: "Server is down.", Date: dateA}), nil
		},
		meta: func(string) (string, error) { return "  One urgent outage today.\n", nil },
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{
		rawMessage("m1", "A", alice, "the server is down", testNow.Add(-time.Hour)),
		rawMessage("m2", "B", bob, "newsletter", testNow.Add(-30*time.Minute)),
	}}
	r := newTestRunner(t, st, gen, mailbox)

	report, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)
	be.Equal(t, report.Outcome, OutcomeCompleted)
	be.Equal(t, report.Fetched, 2)
	be.Equal(t, report.Relevant, 1)

	batches := gen.prompts(summarizeSystem)
	be.Equal(t, len(batches), 1)
	be.True(t, strings.Contains(batches[0], "the server is down"))
	be.True(t, !strings.Contains(batches[0], "newsletter"))

	classify := gen.prompts(classifySystem)
	be.Equal(t, len(classify), 1)
	be.True(t, !strings.Contains(classify[0], "the server is down"))

	snap, err := st.GetDigest(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, snap.CycleID, "cycle-1")
	be.Equal(t, snap.MetaSummary, "One urgent outage today.")
	be.Equal(t, len(snap.Summary[digest.Urgent]), 1)
	be.Equal(t, snap.Summary[digest.Urgent][0].Summary, "Server is down.")
	be.Equal(t, len(snap.Summary[digest.Important]), 1)
	be.Equal(t, snap.Summary[digest.Important][0].Subject, "Old")

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt.Equal(testNow))

	pending, err := st.DequeueOutbox(context.Background(), 10)
	be.Err(t, err, nil)
	be.Equal(t, len(pending), 1)
	be.Equal(t, pending[0].Subject, "user.ada@example_com.digest.updated")
	be.Equal(t, pending[0].MsgID, "digest.updated|cycle-1")

	run, err := st.LastRun(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, run.Status, store.RunCompleted)
	be.Equal(t, run.Relevant, 1)
}

func TestRunCycleNoRelevantPreservesDigest(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")
	seedDigest(t, st, "ada@example.com")

	gen := &fakeGenerator{
		classify: func(string) (string, error) {
			return `{"spam":[{"subject":"Win a prize","sender":"x"}]}`, nil
		},
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{
		rawMessage("m1", "Win a prize", "x", "click here", testNow.Add(-time.Hour)),
	}}
	r := newTestRunner(t, st, gen, mailbox)

	report, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)
	be.Equal(t, report.Outcome, OutcomeNoRelevant)
	be.Equal(t, gen.count(summarizeSystem), 0)
	be.Equal(t, gen.count(metaSystem), 0)

	snap, err := st.GetDigest(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, snap.CycleID, "seed")

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt.Equal(testNow))
}

func TestRunCycleNoRelevantClearsWhenConfigured(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")
	seedDigest(t, st, "ada@example.com")

	gen := &fakeGenerator{
		classify: func(string) (string, error) {
			return `{"notImportant":[{"subject":"FYI","sender":"x"}]}`, nil
		},
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{
		rawMessage("m1", "FYI", "x", "nothing", testNow.Add(-time.Hour)),
	}}
	r := newTestRunner(t, st, gen, mailbox)
	r.Options.ClearOnNoRelevant = true

	_, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)

	snap, err := st.GetDigest(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.Equal(t, snap.CycleID, "cycle-1")
	be.Equal(t, snap.Summary.Len(), 0)
	be.Equal(t, snap.MetaSummary, "")
}

func TestRunCycleAuthFailure(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	mailbox := &fakeMailbox{}
	r := newTestRunner(t, st, &fakeGenerator{}, mailbox)
	r.Identity = &fakeIdentity{err: errors.New("invalid_grant")}

	_, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.True(t, IsAuthError(err))
	be.Equal(t, StageOf(err), StageTokenRefresh)
	be.Equal(t, mailbox.lists, 0)

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt == nil)
}

func TestRunCycleProviderFailure(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	mailbox := &fakeMailbox{
		messages: []*RawMessage{rawMessage("m1", "A", alice, "a", testNow)},
		getErr:   errors.New("rate limited"),
	}
	gen := &fakeGenerator{}
	r := newTestRunner(t, st, gen, mailbox)

	_, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	var pe *ProviderError
	be.True(t, errors.As(err, &pe))
	be.Equal(t, pe.MessageID, "m1")
	be.Equal(t, StageOf(err), StageFetch)
	be.Equal(t, len(gen.calls), 0)
}

func TestRunCycleSummarizeTransportErrorAborts(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	gen := &fakeGenerator{
		classify: func(string) (string, error) {
			return `{"urgent":[{"subject":"A","sender":"` + alice + `"}]}`, nil
		},
		batch: func(string) (string, error) { return "", context.DeadlineExceeded },
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{rawMessage("m1", "A", alice, "a", testNow)}}
	r := newTestRunner(t, st, gen, mailbox)

	_, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, context.DeadlineExceeded)
	be.Equal(t, StageOf(err), StageSummarize)

	u, err := st.GetUser(context.Background(), "ada@example.com")
	be.Err(t, err, nil)
	be.True(t, u.LastSyncAt == nil)
}

func TestRunCycleLeaseHeld(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	ok, err := st.AcquireLease(context.Background(), "ada@example.com", "other-process", time.Hour, testNow)
	be.Err(t, err, nil)
	be.True(t, ok)

	mailbox := &fakeMailbox{}
	r := newTestRunner(t, st, &fakeGenerator{}, mailbox)

	_, err = r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, ErrCycleInProgress)
	be.Equal(t, mailbox.lists, 0)
}

func TestRunCycleUnknownUser(t *testing.T) {
	st := storetest.New(t)
	r := newTestRunner(t, st, &fakeGenerator{}, &fakeMailbox{})

	_, err := r.RunCycle(context.Background(), "ghost@example.com", TriggerManual)
	be.True(t, IsNotFound(err))
}

func TestRunCycleLogsRewrittenSender(t *testing.T) {
	st := storetest.New(t)
	storetest.AddUser(t, st, "ada@example.com", "08:00")

	gen := &fakeGenerator{
		classify: func(string) (string, error) {
			return `{"urgent":[{"subject":"Invoice","sender":"alice@example.com"}]}`, nil
		},
	}
	mailbox := &fakeMailbox{messages: []*RawMessage{
		rawMessage("m1", "Invoice", alice, "pay by friday", testNow.Add(-time.Hour)),
	}}
	var logs bytes.Buffer
	r := newTestRunner(t, st, gen, mailbox)
	r.Log = zerolog.New(&logs)

	report, err := r.RunCycle(context.Background(), "ada@example.com", TriggerManual)
	be.Err(t, err, nil)
	be.Equal(t, report.Outcome, OutcomeNoRelevant)
	be.True(t, strings.Contains(logs.String(), "classified message matches no fetched message"))
	be.True(t, strings.Contains(logs.String(), `"sender":"alice@example.com"`))
}
