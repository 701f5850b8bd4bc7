package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
)

const metaSystem = "You are an email assistant that summarizes emails for a user."

// MetaSummarizer writes the short overview shown above a digest.
type MetaSummarizer struct {
	Generator llm.Generator
	Log       zerolog.Logger
}

// Summarize returns a 2-3 sentence characterization of the digest. An empty
// digest makes no request. Failures yield "" and never fail the cycle.
func (m *MetaSummarizer) Summarize(ctx context.Context, d digest.Digest) string {
	entries := d.Flatten()
	if len(entries) == 0 {
		return ""
	}

	out, err := m.Generator.Complete(ctx, llm.Request{
		System: metaSystem,
		Prompt: metaPrompt(entries),
	})
	if err != nil {
		m.Log.Warn().Err(err).Int("entries", len(entries)).Msg("meta summary failed")
		return ""
	}
	return strings.TrimSpace(out)
}

func metaPrompt(entries []digest.Entry) string {
	var sb strings.Builder
	sb.WriteString("Provide a 2 sentence, high-level summary of the user's inbox as a whole. ")
	sb.WriteString("Do NOT list or describe individual emails. ")
	sb.WriteString("Generalize about the main topics, tone, and any important actions or trends you notice. ")
	sb.WriteString("Limit your response to 2-3 sentences.")
	for i, e := range entries {
		fmt.Fprintf(&sb, "\n\nEmail %d:\nFrom: %s\nSubject: %s\nSummary: %s\nDate: %s",
			i+1, e.Sender, e.Subject, e.Summary, e.Date)
	}
	return sb.String()
}
