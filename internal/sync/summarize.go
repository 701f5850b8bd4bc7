package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
)

// DefaultBatchSize is how many messages go into one summarize request.
const DefaultBatchSize = 5

const summarizeSystem = "You are an email assistant that classifies and summarizes emails."

// Summarizer turns relevant messages into digest entries, one request per
// batch.
type Summarizer struct {
	Generator llm.Generator
	BatchSize int
	// Parallelism bounds concurrent batch requests; values below 2 run
	// batches one after another.
	Parallelism int
	Log         zerolog.Logger
}

// SummaryResult is the concatenation of every parsed batch.
type SummaryResult struct {
	Digest         digest.Digest
	Batches        int
	SkippedBatches int
}

// Summarize runs every batch. A batch with an unparseable response is
// skipped; a transport error fails the whole stage. Results are joined in
// batch order regardless of completion order.
func (s *Summarizer) Summarize(ctx context.Context, messages []digest.Message, format string) (*SummaryResult, error) {
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := digest.Chunk(messages, size)
	results := make([]digest.Digest, len(batches))
	skipped := make([]bool, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Parallelism, 1))

	for i, batch := range batches {
		g.Go(func() error {
			out, err := s.Generator.Complete(gctx, llm.Request{
				System: summarizeSystem,
				Prompt: summarizePrompt(batch, format),
				JSON:   true,
			})
			if err != nil {
				return &GenerationError{Op: fmt.Sprintf("summarize batch %d", i), Err: err}
			}

			d, err := ParseBatchSummary(out)
			if err != nil {
				s.Log.Warn().Err(err).Int("batch", i).Int("messages", len(batch)).Msg("skipping batch")
				skipped[i] = true
				return nil
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &SummaryResult{Digest: digest.Concat(results...), Batches: len(batches)}
	for _, sk := range skipped {
		if sk {
			res.SkippedBatches++
		}
	}
	return res, nil
}

func summarizePrompt(batch []digest.Message, format string) string {
	length := "a one-sentence summary"
	if format == "detailed" {
		length = "a two to three sentence summary that names any requested action or deadline"
	}

	var sb strings.Builder
	sb.WriteString("Summarize and classify the following emails. ")
	fmt.Fprintf(&sb, "For each, provide the subject, sender, and %s. ", length)
	sb.WriteString("Respond in JSON with keys: urgent, important, goodToKnow, notImportant. ")
	sb.WriteString("Each value should be an array of objects with fields: subject, sender, summary, and date (ISO 8601).")
	for i, m := range batch {
		fmt.Fprintf(&sb, "\n\nEmail %d:\nFrom: %s\nSubject: %s\nBody: %s\nDate: %s",
			i+1, m.Sender, m.Subject, m.Body, m.ISODate())
	}
	return sb.String()
}

// ParseBatchSummary validates one batch response. Spam and unknown keys are
// ignored; at least one persisted category must be present.
func ParseBatchSummary(raw string) (digest.Digest, error) {
	const op = "summarize"

	obj, err := decodeObject(op, raw)
	if err != nil {
		return nil, err
	}

	d := digest.New()
	found := 0
	for _, cat := range digest.Persisted {
		value, ok := obj[string(cat)]
		if !ok {
			continue
		}
		found++

		items, err := decodeItems(op, string(cat), value)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var e digest.Entry
			if e.Subject, err = stringField(op, string(cat), item, "subject", true); err != nil {
				return nil, err
			}
			if e.Sender, err = stringField(op, string(cat), item, "sender", false); err != nil {
				return nil, err
			}
			if e.Summary, err = stringField(op, string(cat), item, "summary", false); err != nil {
				return nil, err
			}
			if e.Date, err = stringField(op, string(cat), item, "date", false); err != nil {
				return nil, err
			}
			d[cat] = append(d[cat], e)
		}
	}

	if found == 0 {
		return nil, &MalformedResponseError{Op: op, Reason: "no category keys"}
	}
	return d, nil
}
