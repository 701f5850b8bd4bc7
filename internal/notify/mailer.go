// Package notify mails finished digests to their owners.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
)

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS dials with implicit TLS; otherwise STARTTLS is used when offered.
	TLS bool
}

// Enabled reports whether a relay is configured.
func (c Config) Enabled() bool { return c.Host != "" }

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 587
		if c.TLS {
			port = 465
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

var categoryTitles = map[digest.Category]string{
	digest.Urgent:       "Urgent",
	digest.Important:    "Important",
	digest.GoodToKnow:   "Good to know",
	digest.NotImportant: "Not important",
}

// Mailer sends digests over SMTP.
type Mailer struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewMailer creates a mailer for the given relay.
func NewMailer(cfg Config, log zerolog.Logger) (*Mailer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp host not configured")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address not configured")
	}
	return &Mailer{
		cfg: cfg,
		log: log.With().Str("component", "notify").Logger(),
		now: time.Now,
	}, nil
}

// SendDigest mails snap to the user's address.
func (m *Mailer) SendDigest(ctx context.Context, user *store.User, snap *digest.Snapshot) error {
	if user.Email == "" {
		return fmt.Errorf("user %s has no email address", user.ID)
	}
	msg, err := Compose(m.cfg.From, user, snap, m.now())
	if err != nil {
		return fmt.Errorf("compose digest mail: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth sasl.Client
	if m.cfg.Username != "" {
		auth = sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	}

	to := []string{user.Email}
	if m.cfg.TLS {
		err = smtp.SendMailTLS(m.cfg.addr(), auth, m.cfg.From, to, bytes.NewReader(msg))
	} else {
		err = smtp.SendMail(m.cfg.addr(), auth, m.cfg.From, to, bytes.NewReader(msg))
	}
	if err != nil {
		return fmt.Errorf("send digest mail: %w", err)
	}

	m.log.Debug().Str("user", user.ID).Int("entries", snap.Summary.Len()).Msg("digest mailed")
	return nil
}

// Compose renders snap as a plain-text RFC 5322 message.
func Compose(from string, user *store.User, snap *digest.Snapshot, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: "Inbox Digest", Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: user.Name, Address: user.Email}})
	h.SetSubject(Subject(snap))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, Render(snap)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Subject summarizes the digest size for the mail subject line.
func Subject(snap *digest.Snapshot) string {
	urgent := len(snap.Summary[digest.Urgent])
	total := snap.Summary.Len()
	if urgent > 0 {
		return fmt.Sprintf("Your inbox digest: %d emails, %d urgent", total, urgent)
	}
	return fmt.Sprintf("Your inbox digest: %d emails", total)
}

// Render formats the digest body.
func Render(snap *digest.Snapshot) string {
	var b strings.Builder
	if snap.MetaSummary != "" {
		b.WriteString(snap.MetaSummary)
		b.WriteString("\n\n")
	}
	for _, cat := range digest.Persisted {
		entries := snap.Summary[cat]
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s (%d)\n", categoryTitles[cat], len(entries))
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s\n  From: %s\n", e.Subject, e.Sender)
			if e.Summary != "" {
				fmt.Fprintf(&b, "  %s\n", e.Summary)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
