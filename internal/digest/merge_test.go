package digest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func TestDedupKeepsFirstOccurrence(t *testing.T) {
	date := iso(testNow)
	entries := []Entry{
		{Subject: "A", Sender: "x", Summary: "new", Date: date},
		{Subject: "B", Sender: "x", Summary: "b", Date: date},
		{Subject: "A", Sender: "x", Summary: "old", Date: date},
		{Subject: "A", Sender: "y", Summary: "other sender", Date: date},
	}

	got := Dedup(entries)
	be.Equal(t, len(got), 3)
	be.Equal(t, got[0].Summary, "new")
	be.Equal(t, got[1].Subject, "B")
	be.Equal(t, got[2].Sender, "y")
}

func TestDedupIsIdempotent(t *testing.T) {
	date := iso(testNow)
	entries := []Entry{
		{Subject: "A", Sender: "x", Date: date},
		{Subject: "A", Sender: "x", Date: date},
		{Subject: "a", Sender: "x", Date: date},
		{Subject: "C", Sender: "z"},
		{Subject: "C", Sender: "z"},
	}

	once := Dedup(entries)
	twice := Dedup(once)
	be.Equal(t, twice, once)
	be.Equal(t, len(once), 3)
}

func TestPrune(t *testing.T) {
	cutoff := testNow.Add(-DefaultRetention)
	entries := []Entry{
		{Subject: "fresh", Date: iso(testNow.Add(-time.Hour))},
		{Subject: "stale", Date: iso(testNow.Add(-50 * time.Hour))},
		{Subject: "boundary", Date: iso(cutoff)},
		{Subject: "missing"},
		{Subject: "garbage", Date: "last tuesday"},
	}

	got := Prune(entries, cutoff)
	var subjects []string
	for _, e := range got {
		subjects = append(subjects, e.Subject)
	}
	be.Equal(t, subjects, []string{"fresh", "boundary", "missing", "garbage"})
}

func TestMergeAlwaysHasPersistedCategories(t *testing.T) {
	cases := []struct {
		name     string
		fresh    Digest
		previous Digest
	}{
		{"both nil", nil, nil},
		{"spam only", Digest{Spam: {{Subject: "win", Date: iso(testNow)}}}, nil},
		{"partial", Digest{Urgent: {{Subject: "A", Date: iso(testNow)}}}, Digest{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Merge(tc.fresh, tc.previous, testNow, DefaultRetention)
			be.Equal(t, len(got), 4)
			for _, cat := range Persisted {
				list, ok := got[cat]
				be.True(t, ok)
				be.True(t, list != nil)
			}
			_, hasSpam := got[Spam]
			be.True(t, !hasSpam)
		})
	}
}

func TestMergeFreshEntriesWinDuplicates(t *testing.T) {
	date := iso(testNow.Add(-2 * time.Hour))
	fresh := Digest{Important: {{Subject: "Invoice", Sender: "billing", Summary: "new summary", Date: date}}}
	previous := Digest{Important: {
		{Subject: "Invoice", Sender: "billing", Summary: "old summary", Date: date},
		{Subject: "Standup", Sender: "team", Summary: "notes", Date: date},
	}}

	got := Merge(fresh, previous, testNow, DefaultRetention)
	be.Equal(t, got[Important], []Entry{
		{Subject: "Invoice", Sender: "billing", Summary: "new summary", Date: date},
		{Subject: "Standup", Sender: "team", Summary: "notes", Date: date},
	})
}

func TestMergePrunesStalePreviousEntry(t *testing.T) {
	previous := Digest{GoodToKnow: {{Subject: "X", Sender: "y", Summary: "s", Date: iso(testNow.Add(-50 * time.Hour))}}}

	got := Merge(New(), previous, testNow, DefaultRetention)
	be.Equal(t, got.Len(), 0)
	be.Equal(t, got, New())
}

func TestMergeDuplicatesAcrossBatches(t *testing.T) {
	date := iso(testNow)
	batch1 := Digest{Urgent: {{Subject: "Outage", Sender: "ops", Summary: "first", Date: date}}}
	batch2 := Digest{Urgent: {{Subject: "Outage", Sender: "ops", Summary: "second", Date: date}}}

	got := Merge(Concat(batch1, batch2), nil, testNow, DefaultRetention)
	be.Equal(t, len(got[Urgent]), 1)
	be.Equal(t, got[Urgent][0].Summary, "first")
}

func TestDigestJSONHasEmptyArrays(t *testing.T) {
	data, err := json.Marshal(New())
	be.Err(t, err, nil)
	be.Equal(t, string(data), `{"goodToKnow":[],"important":[],"notImportant":[],"urgent":[]}`)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-03-05T10:00:00Z",
		"2024-03-05T10:00:00.000Z",
		"2024-03-05T12:00:00+02:00",
		"2024-03-05T10:00:00+0000",
		"2024-03-05T10:00Z",
		"2024-03-05T10:00",
		"2024-03-05T10:00:00",
		"Tue, 05 Mar 2024 10:00:00 +0000",
		"Tue, 5 Mar 2024 10:00:00 +0000",
		"5 Mar 2024 10:00:00 GMT",
		"Tue, 5 Mar 2024 11:00:00 +0100 (CET)",
	} {
		got, ok := ParseDate(s)
		be.True(t, ok)
		be.True(t, got.Equal(want))
	}
	_, ok := ParseDate("2024-03-05")
	be.True(t, ok)
	_, ok = ParseDate("")
	be.True(t, !ok)
	_, ok = ParseDate("soon")
	be.True(t, !ok)
}

func TestMergePrunesStaleMailHeaderDates(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	previous := New()
	previous[Urgent] = []Entry{
		{Subject: "old", Sender: "x", Date: "Tue, 5 Mar 2024 10:00:00 +0000"},
		{Subject: "old offset", Sender: "x", Date: "2024-03-05T10:00:00+0000"},
		{Subject: "recent", Sender: "x", Date: "Sat, 9 Mar 2024 10:00:00 +0000"},
	}

	got := Merge(nil, previous, now, 0)
	be.Equal(t, len(got[Urgent]), 1)
	be.Equal(t, got[Urgent][0].Subject, "recent")
}
