package sync

import (
	"context"
	"time"
)

// ProviderName identifies a mailbox backend.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "google"
	ProviderMicrosoft ProviderName = "microsoft"
	ProviderIMAP      ProviderName = "imap"
)

// Encoding is the transport encoding of a body part's Data.
type Encoding string

const (
	// EncodingNone means Data is already decoded text.
	EncodingNone Encoding = ""
	// EncodingBase64URL is the URL-safe base64 used by the Gmail API.
	EncodingBase64URL Encoding = "base64url"
)

// Part is one body part of a raw message.
type Part struct {
	MimeType string
	Data     string
	Encoding Encoding
}

// RawMessage is a message as returned by a provider, before normalization.
type RawMessage struct {
	ID string
	// Headers uses canonical MIME header keys ("Subject", "From", "Date").
	Headers map[string]string
	// Parts are the direct sub-parts of a multipart message.
	Parts []Part
	// Body is the top-level payload, if any.
	Body *Part
	// ReceivedAt is the provider's receive time, used when Date is missing.
	ReceivedAt time.Time
}

// MessageRef points at a message to fetch.
type MessageRef struct {
	ID string
}

// MailProvider lists and fetches inbox messages.
type MailProvider interface {
	// ListMessages returns at most max inbox messages received after since,
	// newest first.
	ListMessages(ctx context.Context, since time.Time, max int) ([]MessageRef, error)

	// GetMessage returns the full content of one message.
	GetMessage(ctx context.Context, id string) (*RawMessage, error)
}
