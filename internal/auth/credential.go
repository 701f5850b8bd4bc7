package auth

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// StaticTokenCredential hands an already refreshed access token to the
// Microsoft Graph SDK.
type StaticTokenCredential struct {
	token  string
	expiry time.Time
}

// NewStaticTokenCredential wraps token. A zero expiry is treated as one
// hour from each request.
func NewStaticTokenCredential(token string, expiry time.Time) *StaticTokenCredential {
	return &StaticTokenCredential{token: token, expiry: expiry}
}

// GetToken implements azcore.TokenCredential.
func (c *StaticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiresOn := c.expiry
	if expiresOn.IsZero() {
		expiresOn = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiresOn,
	}, nil
}
