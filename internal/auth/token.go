package auth

import (
	"time"
)

// Provider represents mailbox identity providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	// ProviderIMAP uses a stored app password instead of OAuth.
	ProviderIMAP Provider = "imap"
)

// Token represents credentials for one mailbox session
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Valid reports whether the access token is present and not expired.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && (t.Expiry.IsZero() || time.Now().Before(t.Expiry))
}
