package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
	"github.com/Martian-dev/inbox-digest/internal/store"
)

var testNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeIdentity struct {
	err error
}

func (f *fakeIdentity) Refresh(ctx context.Context, provider auth.Provider, refreshToken string) (*auth.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Token{AccessToken: "access-" + refreshToken, RefreshToken: refreshToken, Expiry: testNow.Add(time.Hour)}, nil
}

type fakeMailbox struct {
	mu       gosync.Mutex
	messages []*RawMessage
	listErr  error
	getErr   error
	since    time.Time
	lists    int
	gets     int
}

func (f *fakeMailbox) ListMessages(ctx context.Context, since time.Time, max int) ([]MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	f.since = since
	if f.listErr != nil {
		return nil, f.listErr
	}
	refs := make([]MessageRef, 0, len(f.messages))
	for _, m := range f.messages {
		refs = append(refs, MessageRef{ID: m.ID})
	}
	return refs, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (*RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}

// fakeGenerator answers by request kind and records every call.
type fakeGenerator struct {
	mu       gosync.Mutex
	calls    []llm.Request
	classify func(prompt string) (string, error)
	batch    func(prompt string) (string, error)
	meta     func(prompt string) (string, error)
}

func (f *fakeGenerator) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	var fn func(string) (string, error)
	switch req.System {
	case classifySystem:
		fn = f.classify
	case summarizeSystem:
		fn = f.batch
	case metaSystem:
		fn = f.meta
	}
	if fn == nil {
		return "", errors.New("unexpected request")
	}
	return fn(req.Prompt)
}

func (f *fakeGenerator) count(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.System == system {
			n++
		}
	}
	return n
}

func (f *fakeGenerator) prompts(system string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.System == system {
			out = append(out, c.Prompt)
		}
	}
	return out
}

func rawMessage(id, subject, from, body string, date time.Time) *RawMessage {
	return &RawMessage{
		ID: id,
		Headers: map[string]string{
			"Subject": subject,
			"From":    from,
			"Date":    date.Format(time.RFC1123Z),
		},
		Parts: []Part{
			{MimeType: "text/html", Data: base64.RawURLEncoding.EncodeToString([]byte("<p>" + body + "</p>")), Encoding: EncodingBase64URL},
			{MimeType: "text/plain", Data: base64.RawURLEncoding.EncodeToString([]byte(body)), Encoding: EncodingBase64URL},
		},
	}
}

func newTestRunner(t *testing.T, st Store, gen llm.Generator, mailbox MailProvider) *Runner {
	t.Helper()
	var (
		mu gosync.Mutex
		n  int
	)
	return &Runner{
		Store:    st,
		Identity: &fakeIdentity{},
		Providers: func(ctx context.Context, user *store.User, tok *auth.Token) (MailProvider, error) {
			return mailbox, nil
		},
		Generator: gen,
		Options:   DefaultOptions(),
		Log:       zerolog.Nop(),
		Now:       func() time.Time { return testNow },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("cycle-%d", n)
		},
	}
}

func entryJSON(cat digest.Category, entries ...digest.Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf(`{"subject":%q,"sender":%q,"summary":%q,"date":%q}`, e.Subject, e.Sender, e.Summary, e.Date))
	}
	return fmt.Sprintf(`{%q:[%s]}`, string(cat), strings.Join(parts, ","))
}
