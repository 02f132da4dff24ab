package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/provider"
)

// Scope grants full mailbox access, which permanent delete requires.
const Scope = gmailapi.MailGoogleComScope

// Factory builds Gmail sessions from stored accounts. It holds the OAuth
// client configuration and nothing account-specific.
type Factory struct {
	config     *oauth2.Config
	endpoint   string
	httpClient *http.Client
}

var _ provider.SessionFactory = (*Factory)(nil)

// Option customizes a Factory.
type Option func(*Factory)

// WithEndpoint points sessions at a different Gmail API base URL.
func WithEndpoint(url string) Option {
	return func(f *Factory) { f.endpoint = url }
}

// WithHTTPClient sets the base client used for token and API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.httpClient = c }
}

// WithOAuthEndpoint overrides the identity provider's auth and token URLs.
func WithOAuthEndpoint(ep oauth2.Endpoint) Option {
	return func(f *Factory) { f.config.Endpoint = ep }
}

// NewFactory creates a Factory for an OAuth client. redirectURL must match
// the callback registered with Google.
func NewFactory(clientID, clientSecret, redirectURL string, opts ...Option) (*Factory, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("gmail OAuth client id and secret are required")
	}
	return newFactory(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{Scope},
		Endpoint:     google.Endpoint,
	}, opts), nil
}

// NewFactoryFromJSON creates a Factory from a Google "installed" or "web"
// client credentials file.
func NewFactoryFromJSON(data []byte, redirectURL string, opts ...Option) (*Factory, error) {
	cfg, err := google.ConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gmail credentials file: %w", err)
	}
	cfg.RedirectURL = redirectURL
	return newFactory(cfg, opts), nil
}

func newFactory(cfg *oauth2.Config, opts []Option) *Factory {
	f := &Factory{config: cfg}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthCodeURL returns the consent URL. It requests offline access and forces
// the consent screen so Google always issues a refresh token.
func (f *Factory) AuthCodeURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// RedirectURL returns the callback address the consent URL redirects to.
func (f *Factory) RedirectURL() string {
	return f.config.RedirectURL
}

// Exchange trades an authorization code for a token pair and looks up the
// profile to learn the account's address.
func (f *Factory) Exchange(ctx context.Context, code string) (string, *oauth2.Token, error) {
	ctx = f.clientContext(ctx)
	token, err := f.config.Exchange(ctx, code)
	if err != nil {
		return "", nil, &domain.ExchangeError{Err: err}
	}

	srv, err := f.newService(ctx, f.config.TokenSource(ctx, token))
	if err != nil {
		return "", nil, &domain.ExchangeError{Err: err}
	}
	profile, err := srv.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return "", nil, &domain.ExchangeError{Err: fmt.Errorf("failed to look up profile: %w", err)}
	}
	if profile.EmailAddress == "" {
		return "", nil, &domain.ExchangeError{Err: errors.New("profile has no email address")}
	}
	return domain.NormalizeEmail(profile.EmailAddress), token, nil
}

// SessionFor returns a new session bound only to the account's token pair.
// Every call builds its own token source, HTTP client and API service.
func (f *Factory) SessionFor(ctx context.Context, acct *domain.Account) (provider.Session, error) {
	if !acct.HasToken() {
		return nil, fmt.Errorf("account %s: %w", acct.Email, domain.ErrNotAuthorized)
	}
	token := &oauth2.Token{
		AccessToken:  acct.Tokens.AccessToken,
		RefreshToken: acct.Tokens.RefreshToken,
		Expiry:       acct.Tokens.Expiry,
		TokenType:    "Bearer",
	}
	// Refreshes outlive the request that triggered them.
	ts := f.config.TokenSource(f.clientContext(context.WithoutCancel(ctx)), token)

	srv, err := f.newService(ctx, ts)
	if err != nil {
		return nil, err
	}
	return &Session{
		accountID: acct.ID,
		email:     acct.Email,
		service:   srv,
		tokens:    ts,
	}, nil
}

func (f *Factory) newService(ctx context.Context, ts oauth2.TokenSource) (*gmailapi.Service, error) {
	client := oauth2.NewClient(f.clientContext(ctx), ts)
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return srv, nil
}

func (f *Factory) clientContext(ctx context.Context) context.Context {
	if f.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}
