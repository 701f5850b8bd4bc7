package digest

import (
	"net/mail"
	"strings"
	"time"
)

// DefaultRetention is how long an entry stays in a digest.
const DefaultRetention = 48 * time.Hour

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseDate parses the date strings returned by the summarizer: ISO 8601
// variants and RFC 2822.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	// RFC 2822 forms as found in mail Date headers
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Dedup drops entries whose identity key was already seen. The first
// occurrence wins and order is otherwise preserved.
func Dedup(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Prune drops entries dated before cutoff. Entries without a parseable
// date are kept.
func Prune(entries []Entry, cutoff time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if t, ok := ParseDate(e.Date); ok && t.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Merge combines freshly summarized entries with the previous digest.
// Per category, fresh entries come first, duplicates are removed and
// entries older than now-retention are pruned. The result always carries
// the four persisted categories and never spam.
func Merge(fresh, previous Digest, now time.Time, retention time.Duration) Digest {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now.Add(-retention)

	merged := New()
	for _, cat := range Persisted {
		combined := make([]Entry, 0, len(fresh[cat])+len(previous[cat]))
		combined = append(combined, fresh[cat]...)
		combined = append(combined, previous[cat]...)
		merged[cat] = Prune(Dedup(combined), cutoff)
	}
	return merged
}
