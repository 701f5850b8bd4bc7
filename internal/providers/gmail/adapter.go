package gmail

import (
	"context"
	"fmt"
	"net/textproto"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

const user = "me"

// Adapter implements MailProvider for Gmail
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter authorized with tok. Extra options are
// appended after the credentials.
func New(ctx context.Context, tok *auth.Token, opts ...option.ClientOption) (*Adapter, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	})
	httpClient := oauth2.NewClient(ctx, src)

	svc, err := gmail.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// Query is the search expression for inbox messages received after since.
func Query(since time.Time) string {
	return fmt.Sprintf("in:inbox after:%d", since.Unix())
}

// ListMessages lists inbox messages received after since, newest first.
func (a *Adapter) ListMessages(ctx context.Context, since time.Time, max int) ([]sync.MessageRef, error) {
	resp, err := a.svc.Users.Messages.List(user).
		Q(Query(since)).
		MaxResults(int64(max)).
		IncludeSpamTrash(false).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	refs := make([]sync.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, sync.MessageRef{ID: m.Id})
	}
	return refs, nil
}

// GetMessage fetches a message in full format.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.RawMessage, error) {
	m, err := a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(m), nil
}

// toRaw converts a Gmail message. Bodies stay base64url encoded.
func toRaw(m *gmail.Message) *sync.RawMessage {
	raw := &sync.RawMessage{
		ID:      m.Id,
		Headers: make(map[string]string),
	}
	if m.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload == nil {
		return raw
	}

	for _, kv := range m.Payload.Headers {
		key := textproto.CanonicalMIMEHeaderKey(kv.Name)
		if _, seen := raw.Headers[key]; !seen {
			raw.Headers[key] = kv.Value
		}
	}

	if m.Payload.Body != nil && m.Payload.Body.Data != "" {
		raw.Body = &sync.Part{
			MimeType: m.Payload.MimeType,
			Data:     m.Payload.Body.Data,
			Encoding: sync.EncodingBase64URL,
		}
	}
	raw.Parts = flattenParts(m.Payload.Parts, nil)
	return raw
}

// flattenParts walks nested multiparts depth-first so a text/plain inside
// multipart/alternative is found.
func flattenParts(parts []*gmail.MessagePart, out []sync.Part) []sync.Part {
	for _, p := range parts {
		if p == nil {
			continue
		}
		if len(p.Parts) > 0 {
			out = flattenParts(p.Parts, out)
			continue
		}
		if p.Filename != "" || p.Body == nil || p.Body.Data == "" {
			continue
		}
		out = append(out, sync.Part{
			MimeType: p.MimeType,
			Data:     p.Body.Data,
			Encoding: sync.EncodingBase64URL,
		})
	}
	return out
}
