package sync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
)

// EventDigestUpdated is published after every committed digest.
const EventDigestUpdated = "digest.updated"

// DigestUpdated is the payload of EventDigestUpdated.
type DigestUpdated struct {
	EventID     string                  `json:"event_id"`
	Ts          int64                   `json:"ts"`
	UserID      string                  `json:"user_id"`
	CycleID     string                  `json:"cycle_id"`
	Outcome     Outcome                 `json:"outcome"`
	Counts      map[digest.Category]int `json:"counts"`
	MetaSummary string                  `json:"meta_summary"`
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_", "\n", "_")

// UserSubject returns the NATS subject for a user event. The user key is
// sanitized into a single subject token.
func UserSubject(userID, event string) string {
	return "user." + subjectReplacer.Replace(userID) + "." + event
}

func digestEvent(userID, cycleID string, outcome Outcome, snap *digest.Snapshot, now time.Time) (*store.OutboxEvent, error) {
	counts := make(map[digest.Category]int, len(digest.Persisted))
	for _, cat := range digest.Persisted {
		counts[cat] = len(snap.Summary[cat])
	}
	payload, err := json.Marshal(DigestUpdated{
		EventID:     cycleID,
		Ts:          now.Unix(),
		UserID:      userID,
		CycleID:     cycleID,
		Outcome:     outcome,
		Counts:      counts,
		MetaSummary: snap.MetaSummary,
	})
	if err != nil {
		return nil, err
	}
	return &store.OutboxEvent{
		Subject:   UserSubject(userID, EventDigestUpdated),
		EventType: EventDigestUpdated,
		Payload:   payload,
		MsgID:     EventDigestUpdated + "|" + cycleID,
	}, nil
}
