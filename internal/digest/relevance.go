package digest

// MatchMode selects how classified refs are matched back to fetched messages.
type MatchMode string

const (
	// MatchSubject matches on subject alone. Two unrelated messages sharing
	// a subject are both selected when either one is relevant.
	MatchSubject MatchMode = "subject"
	// MatchSubjectSender matches on the subject and sender pair.
	MatchSubjectSender MatchMode = "subject_sender"
)

// ParseMatchMode falls back to MatchSubjectSender for unknown values.
func ParseMatchMode(s string) MatchMode {
	if MatchMode(s) == MatchSubject {
		return MatchSubject
	}
	return MatchSubjectSender
}

func (m MatchMode) key(subject, sender string) string {
	if m == MatchSubject {
		return subject
	}
	return subject + "\x00" + sender
}

// SelectRelevant returns, in fetch order, the messages the classifier placed
// in a relevant category. notImportant and spam never pass.
func SelectRelevant(messages []Message, c Classification, mode MatchMode) []Message {
	keys := make(map[string]struct{})
	for _, cat := range Relevant {
		for _, ref := range c[cat] {
			if ref.Subject == "" {
				continue
			}
			keys[mode.key(ref.Subject, ref.Sender)] = struct{}{}
		}
	}

	var relevant []Message
	for _, m := range messages {
		if _, ok := keys[mode.key(m.Subject, m.Sender)]; ok {
			relevant = append(relevant, m)
		}
	}
	return relevant
}

// Unmatched returns the refs in relevant categories that match no fetched
// message under mode, typically because the classifier rewrote a subject
// or sender.
func Unmatched(messages []Message, c Classification, mode MatchMode) []Ref {
	fetched := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		fetched[mode.key(m.Subject, m.Sender)] = struct{}{}
	}

	var out []Ref
	for _, cat := range Relevant {
		for _, ref := range c[cat] {
			if ref.Subject == "" {
				continue
			}
			if _, ok := fetched[mode.key(ref.Subject, ref.Sender)]; !ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// Chunk splits messages into consecutive batches of at most size.
func Chunk(messages []Message, size int) [][]Message {
	if size <= 0 {
		size = 1
	}
	var batches [][]Message
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		batches = append(batches, messages[start:end])
	}
	return batches
}
