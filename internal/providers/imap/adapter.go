// Package imap reads an inbox over IMAP for users without an OAuth mailbox.
package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/inbox-digest/internal/sync"
)

// Config locates the IMAP server shared by all IMAP users.
type Config struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns host:port, defaulting the port from the TLS mode.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 143
		if c.TLS {
			port = 993
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Adapter implements MailProvider over IMAP. ListMessages fetches full
// bodies in the same round trip; GetMessage serves them from that buffer.
type Adapter struct {
	cfg      Config
	username string
	password string

	fetched map[string]*sync.RawMessage
}

// New creates an adapter authenticating as username with an app password.
func New(cfg Config, username, password string) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host not configured")
	}
	if password == "" {
		return nil, errors.New("imap password missing")
	}
	return &Adapter{cfg: cfg, username: username, password: password}, nil
}

func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, func(), error) {
	addr := a.cfg.Addr()

	var (
		c   *imapclient.Client
		err error
	)
	if a.cfg.TLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	closeFn := func() {
		stop()
		_ = c.Logout().Wait()
		_ = c.Close()
	}

	if err := c.Login(a.username, a.password).Wait(); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("IMAP login for %s: %w", a.username, err)
	}
	if _, err := c.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("selecting INBOX: %w", err)
	}
	return c, closeFn, nil
}

// ListMessages returns up to max messages received after since, newest
// first. SINCE has day granularity so INTERNALDATE is checked locally.
func (a *Adapter) ListMessages(ctx context.Context, since time.Time, max int) ([]sync.MessageRef, error) {
	c, closeFn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	searchData, err := c.UIDSearch(&imap.SearchCriteria{Since: since.UTC()}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if max > 0 && len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	slices.SortFunc(msgs, func(x, y *imapclient.FetchMessageBuffer) int {
		return int(y.UID) - int(x.UID)
	})

	a.fetched = make(map[string]*sync.RawMessage, len(msgs))
	var refs []sync.MessageRef
	for _, buf := range msgs {
		if !buf.InternalDate.IsZero() && !buf.InternalDate.After(since) {
			continue
		}
		id := strconv.FormatUint(uint64(buf.UID), 10)
		raw, err := Parse(id, buf.FindBodySection(section), buf.InternalDate)
		if err != nil {
			return nil, fmt.Errorf("parsing message %s: %w", id, err)
		}
		a.fetched[id] = raw
		refs = append(refs, sync.MessageRef{ID: id})
	}
	return refs, nil
}

// GetMessage returns a message fetched by the last ListMessages call, or
// fetches it by UID.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.RawMessage, error) {
	if raw, ok := a.fetched[id]; ok {
		return raw, nil
	}

	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid message uid %q: %w", id, err)
	}

	c, closeFn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message uid %s not found", id)
	}
	return Parse(id, msgs[0].FindBodySection(section), msgs[0].InternalDate)
}

// Parse reads an RFC 822 message into a RawMessage. Attachments are
// skipped; inline parts arrive charset-decoded.
func Parse(id string, data []byte, received time.Time) (*sync.RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	raw := &sync.RawMessage{
		ID:         id,
		Headers:    make(map[string]string),
		ReceivedAt: received,
	}

	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		raw.Headers["Subject"] = subject
	} else if s := mr.Header.Get("Subject"); s != "" {
		raw.Headers["Subject"] = s
	}
	if from := formatFrom(&mr.Header); from != "" {
		raw.Headers["From"] = from
	}
	if date := mr.Header.Get("Date"); date != "" {
		raw.Headers["Date"] = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// keep what was read before a malformed part
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if !strings.HasPrefix(contentType, "text/") {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		raw.Parts = append(raw.Parts, sync.Part{MimeType: contentType, Data: string(body)})
	}
	return raw, nil
}

func formatFrom(h *mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return h.Get("From")
	}
	a := addrs[0]
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}
