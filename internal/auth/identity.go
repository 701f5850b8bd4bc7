package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	msgraph "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	oauth2v2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// OAuth scopes requested at consent time.
var (
	GoogleScopes = []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
	MicrosoftScopes = []string{"offline_access", "User.Read", "Mail.Read"}
)

// ErrUnsupportedProvider is returned for providers without an OAuth flow.
var ErrUnsupportedProvider = errors.New("unsupported identity provider")

// ClientConfig holds the OAuth client registration for one provider.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Tenant is only used by Microsoft; empty means "common".
	Tenant string
}

// OAuthIdentity refreshes OAuth tokens and looks up account profiles.
type OAuthIdentity struct {
	google     *oauth2.Config
	microsoft  *oauth2.Config
	httpClient *http.Client
}

// NewOAuthIdentity creates an identity provider. A config with an empty
// client id disables that provider.
func NewOAuthIdentity(googleCfg, microsoftCfg ClientConfig, httpClient *http.Client) *OAuthIdentity {
	id := &OAuthIdentity{httpClient: httpClient}
	if googleCfg.ClientID != "" {
		id.google = &oauth2.Config{
			ClientID:     googleCfg.ClientID,
			ClientSecret: googleCfg.ClientSecret,
			RedirectURL:  googleCfg.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       GoogleScopes,
		}
	}
	if microsoftCfg.ClientID != "" {
		tenant := microsoftCfg.Tenant
		if tenant == "" {
			tenant = "common"
		}
		id.microsoft = &oauth2.Config{
			ClientID:     microsoftCfg.ClientID,
			ClientSecret: microsoftCfg.ClientSecret,
			RedirectURL:  microsoftCfg.RedirectURL,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       MicrosoftScopes,
		}
	}
	return id
}

func (i *OAuthIdentity) config(provider Provider) (*oauth2.Config, error) {
	var cfg *oauth2.Config
	switch provider {
	case ProviderGoogle:
		cfg = i.google
	case ProviderMicrosoft:
		cfg = i.microsoft
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%s oauth client is not configured", provider)
	}
	return cfg, nil
}

func (i *OAuthIdentity) context(ctx context.Context) context.Context {
	if i.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, i.httpClient)
	}
	return ctx
}

// Refresh exchanges a refresh token for a fresh access token. IMAP
// credentials are passed through untouched.
func (i *OAuthIdentity) Refresh(ctx context.Context, provider Provider, refreshToken string) (*Token, error) {
	if provider == ProviderIMAP {
		return &Token{RefreshToken: refreshToken}, nil
	}
	cfg, err := i.config(provider)
	if err != nil {
		return nil, err
	}

	src := cfg.TokenSource(i.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", provider, err)
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// AuthCodeURL returns the consent page URL for a provider.
func (i *OAuthIdentity) AuthCodeURL(provider Provider, state string) (string, error) {
	cfg, err := i.config(provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens.
func (i *OAuthIdentity) Exchange(ctx context.Context, provider Provider, code string) (*Token, error) {
	cfg, err := i.config(provider)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(i.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange %s code: %w", provider, err)
	}
	return &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, nil
}

// Profile returns the account owner of an access token.
func (i *OAuthIdentity) Profile(ctx context.Context, provider Provider, tok *Token) (*User, error) {
	switch provider {
	case ProviderGoogle:
		return i.googleProfile(ctx, tok)
	case ProviderMicrosoft:
		return i.microsoftProfile(ctx, tok)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}

func (i *OAuthIdentity) googleProfile(ctx context.Context, tok *Token) (*User, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken})),
	}
	if i.httpClient != nil {
		opts = []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(i.context(ctx),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken})))}
	}

	svc, err := oauth2v2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get google userinfo: %w", err)
	}
	return &User{ID: info.Id, Email: info.Email, Name: info.Name}, nil
}

func (i *OAuthIdentity) microsoftProfile(ctx context.Context, tok *Token) (*User, error) {
	cred := NewStaticTokenCredential(tok.AccessToken, tok.Expiry)
	client, err := msgraph.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}

	me, err := client.Me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "mail", "userPrincipalName", "displayName"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get graph profile: %w", err)
	}

	u := &User{}
	if me.GetId() != nil {
		u.ID = *me.GetId()
	}
	if me.GetMail() != nil {
		u.Email = *me.GetMail()
	} else if me.GetUserPrincipalName() != nil {
		u.Email = *me.GetUserPrincipalName()
	}
	if me.GetDisplayName() != nil {
		u.Name = *me.GetDisplayName()
	}
	return u, nil
}
