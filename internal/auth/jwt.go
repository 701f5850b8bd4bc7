package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Key returns the digest user key: the email when present, else the subject.
func (u *User) Key() string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// JWTVerifier validates bearer tokens against either a cached JWKS or a
// shared HMAC secret.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration

	secret []byte
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("empty jwt secret")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// NewJWTVerifier creates a JWKS-backed verifier. Keys are refreshed in the
// background until ctx is cancelled.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		// keep the previous set on error; the next tick retries
		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest verifies the bearer token of r and returns its subject.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	keyOpt := jwt.WithKey(jwa.HS256, v.secret)
	if v.secret == nil {
		keyOpt = jwt.WithKeySet(v.getKeySet())
	}

	token, err := jwt.ParseRequest(r, keyOpt, jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	u := &User{ID: token.Subject()}
	if u.ID == "" {
		return nil, errors.New("token has no subject")
	}
	u.Email = claimString(token, "email")
	u.Name = claimString(token, "name")
	return u, nil
}

func claimString(token jwt.Token, name string) string {
	v, ok := token.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// KeyCacheStats describes where verification keys come from.
type KeyCacheStats struct {
	Mode       string    `json:"mode"`
	JWKSURL    string    `json:"jwksUrl,omitempty"`
	Keys       int       `json:"keys,omitempty"`
	LastFetch  time.Time `json:"lastFetch,omitempty"`
	RefreshTTL string    `json:"refreshTtl,omitempty"`
}

// Stats reports the verifier's key source.
func (v *JWTVerifier) Stats() KeyCacheStats {
	if v.secret != nil {
		return KeyCacheStats{Mode: "hmac"}
	}

	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	stats := KeyCacheStats{
		Mode:       "jwks",
		JWKSURL:    v.jwksURL,
		LastFetch:  v.lastFetch,
		RefreshTTL: v.refreshTTL.String(),
	}
	if v.keySet != nil {
		stats.Keys = v.keySet.Len()
	}
	return stats
}

// SignHMAC issues an HS256 token for a user. It is used by the CLI to mint
// operator tokens.
func SignHMAC(secret string, u User, ttl time.Duration) (string, error) {
	b := jwt.NewBuilder().
		Subject(u.ID).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(ttl))
	if u.Email != "" {
		b = b.Claim("email", u.Email)
	}
	if u.Name != "" {
		b = b.Claim("name", u.Name)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}
