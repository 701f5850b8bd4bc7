package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
)

const classifySystem = "You are an email assistant that classifies emails."

// Classifier triages messages into the five categories with one request.
type Classifier struct {
	Generator llm.Generator
}

// Classify sends subject and sender of every message and parses the
// category lists. Any malformed response fails the whole classification.
func (c *Classifier) Classify(ctx context.Context, messages []digest.Message) (digest.Classification, error) {
	out, err := c.Generator.Complete(ctx, llm.Request{
		System: classifySystem,
		Prompt: classifyPrompt(messages),
		JSON:   true,
	})
	if err != nil {
		return nil, &GenerationError{Op: "classify", Err: err}
	}
	return ParseClassification(out)
}

func classifyPrompt(messages []digest.Message) string {
	var sb strings.Builder
	sb.WriteString("Classify the following emails into these categories: Urgent, Important, Good to know, Not important, Spam. ")
	sb.WriteString("For each, provide the subject and sender exactly as given. ")
	sb.WriteString("Respond in JSON with keys: urgent, important, goodToKnow, notImportant, spam. ")
	sb.WriteString("Each value should be an array of objects with fields: subject, sender.")
	for i, m := range messages {
		fmt.Fprintf(&sb, "\n\nEmail %d:\nFrom: %s\nSubject: %s", i+1, m.Sender, m.Subject)
	}
	return sb.String()
}

// ParseClassification validates a classification response. The object must
// carry at least one category key; absent categories are empty.
func ParseClassification(raw string) (digest.Classification, error) {
	const op = "classify"

	obj, err := decodeObject(op, raw)
	if err != nil {
		return nil, err
	}

	c := make(digest.Classification, len(digest.Categories))
	found := 0
	for _, cat := range digest.Categories {
		value, ok := obj[string(cat)]
		if !ok {
			c[cat] = []digest.Ref{}
			continue
		}
		found++

		items, err := decodeItems(op, string(cat), value)
		if err != nil {
			return nil, err
		}
		refs := make([]digest.Ref, 0, len(items))
		for _, item := range items {
			subject, err := stringField(op, string(cat), item, "subject", true)
			if err != nil {
				return nil, err
			}
			sender, err := stringField(op, string(cat), item, "sender", false)
			if err != nil {
				return nil, err
			}
			refs = append(refs, digest.Ref{Subject: subject, Sender: sender})
		}
		c[cat] = refs
	}

	if found == 0 {
		return nil, &MalformedResponseError{Op: op, Reason: "no category keys"}
	}
	return c, nil
}
