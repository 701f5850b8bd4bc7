package digest

import (
	"time"
)

// Category is a triage bucket assigned by the classifier.
type Category string

const (
	Urgent       Category = "urgent"
	Important    Category = "important"
	GoodToKnow   Category = "goodToKnow"
	NotImportant Category = "notImportant"
	Spam         Category = "spam"
)

// Categories lists every classification bucket, spam included.
var Categories = []Category{Urgent, Important, GoodToKnow, NotImportant, Spam}

// Persisted lists the categories stored in a Digest, in display order.
var Persisted = []Category{Urgent, Important, GoodToKnow, NotImportant}

// Relevant lists the categories whose messages are worth summarizing.
var Relevant = []Category{Urgent, Important, GoodToKnow}

// Message is a mailbox message normalized for one sync cycle.
type Message struct {
	ID      string
	Subject string
	Sender  string
	Body    string
	Date    time.Time
}

// ISODate formats the message date the way it is handed to the summarizer.
func (m Message) ISODate() string {
	return m.Date.UTC().Format(time.RFC3339)
}

// Ref identifies a message in a classification response.
type Ref struct {
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
}

// Classification maps each category to the messages placed in it.
type Classification map[Category][]Ref

// Entry is one summarized email in a Digest.
type Entry struct {
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Summary string `json:"summary"`
	Date    string `json:"date"`
}

// Key returns the identity used for deduplication.
func (e Entry) Key() string {
	return e.Subject + "|" + e.Sender + "|" + e.Date
}

// Digest holds summarized entries per persisted category.
type Digest map[Category][]Entry

// New returns a Digest with every persisted category present and empty.
func New() Digest {
	d := make(Digest, len(Persisted))
	for _, cat := range Persisted {
		d[cat] = []Entry{}
	}
	return d
}

// Len counts entries across all persisted categories.
func (d Digest) Len() int {
	n := 0
	for _, cat := range Persisted {
		n += len(d[cat])
	}
	return n
}

// Flatten returns all entries in category display order.
func (d Digest) Flatten() []Entry {
	all := make([]Entry, 0, d.Len())
	for _, cat := range Persisted {
		all = append(all, d[cat]...)
	}
	return all
}

// Concat joins digests category by category, preserving argument order.
// Nil digests are skipped.
func Concat(parts ...Digest) Digest {
	out := New()
	for _, part := range parts {
		if part == nil {
			continue
		}
		for _, cat := range Persisted {
			out[cat] = append(out[cat], part[cat]...)
		}
	}
	return out
}

// Snapshot is the persisted digest document of one user.
type Snapshot struct {
	Summary     Digest    `json:"summary"`
	MetaSummary string    `json:"metaSummary"`
	CreatedAt   time.Time `json:"createdAt"`
	CycleID     string    `json:"cycleId,omitempty"`
}

// EmptySnapshot is returned for users that have never completed a cycle.
func EmptySnapshot() *Snapshot {
	return &Snapshot{Summary: New()}
}
