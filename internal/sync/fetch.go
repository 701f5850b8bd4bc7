package sync

import (
	"context"
	"encoding/base64"
	"mime"
	"net/mail"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/Martian-dev/inbox-digest/internal/digest"
)

// DefaultMaxMessages caps how many messages one cycle fetches.
const DefaultMaxMessages = 30

// Fetcher turns a provider's inbox into normalized messages.
type Fetcher struct {
	MaxMessages int
	Now         func() time.Time
}

// Fetch lists messages received after since and normalizes each one. Any
// provider error fails the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, p MailProvider, since time.Time) ([]digest.Message, error) {
	limit := f.MaxMessages
	if limit <= 0 {
		limit = DefaultMaxMessages
	}

	refs, err := p.ListMessages(ctx, since, limit)
	if err != nil {
		return nil, &ProviderError{Op: "list", Err: err}
	}
	if len(refs) > limit {
		refs = refs[:limit]
	}

	messages := make([]digest.Message, 0, len(refs))
	for _, ref := range refs {
		raw, err := p.GetMessage(ctx, ref.ID)
		if err != nil {
			return nil, &ProviderError{Op: "get", MessageID: ref.ID, Err: err}
		}
		messages = append(messages, Normalize(raw, f.now()))
	}
	return messages, nil
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Normalize extracts subject, sender, date and a plain-text body. Missing
// headers become empty strings; a missing or unparseable date becomes the
// receive time, or now.
func Normalize(raw *RawMessage, now time.Time) digest.Message {
	m := digest.Message{
		ID:      raw.ID,
		Subject: raw.Headers["Subject"],
		Sender:  raw.Headers["From"],
		Body:    extractBody(raw),
		Date:    now.UTC(),
	}
	if d, err := mail.ParseDate(raw.Headers["Date"]); err == nil {
		m.Date = d.UTC()
	} else if !raw.ReceivedAt.IsZero() {
		m.Date = raw.ReceivedAt.UTC()
	}
	return m
}

// extractBody prefers a text/plain part, then the top-level body, then an
// HTML part converted to markdown.
func extractBody(raw *RawMessage) string {
	for _, p := range raw.Parts {
		if mediaType(p.MimeType) == "text/plain" && p.Data != "" {
			return decodePart(p)
		}
	}
	if raw.Body != nil && raw.Body.Data != "" {
		return decodePart(*raw.Body)
	}
	for _, p := range raw.Parts {
		if mediaType(p.MimeType) == "text/html" && p.Data != "" {
			return decodePart(p)
		}
	}
	return ""
}

func decodePart(p Part) string {
	text := p.Data
	if p.Encoding == EncodingBase64URL {
		b, err := decodeBase64URL(p.Data)
		if err != nil {
			return ""
		}
		text = string(b)
	}
	if mediaType(p.MimeType) == "text/html" {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			return strings.TrimSpace(md)
		}
	}
	return text
}

// decodeBase64URL accepts padded and unpadded input.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
