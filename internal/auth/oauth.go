package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
)

var yahooEndpoint = oauth2.Endpoint{
	AuthURL:  "https://api.login.yahoo.com/oauth2/request_auth",
	TokenURL: "https://api.login.yahoo.com/oauth2/get_token",
}

// Endpoint returns the OAuth endpoint and IMAP scopes for a provider.
func Endpoint(p domain.Provider) (oauth2.Endpoint, []string, error) {
	switch p {
	case domain.ProviderGmail:
		return google.Endpoint, []string{gmailapi.MailGoogleComScope}, nil
	case domain.ProviderOutlook:
		return microsoft.AzureADEndpoint("common"), []string{
			"https://outlook.office.com/IMAP.AccessAsUser.All",
			"offline_access",
		}, nil
	case domain.ProviderYahoo:
		return yahooEndpoint, []string{"mail-r"}, nil
	default:
		return oauth2.Endpoint{}, nil, fmt.Errorf("unsupported provider %q", p)
	}
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, p domain.Provider, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens against the providers' token endpoints.
type OAuthRefresher struct {
	clients map[domain.Provider]config.OAuthClient
	// Endpoints overrides Endpoint per provider.
	Endpoints  map[domain.Provider]oauth2.Endpoint
	HTTPClient *http.Client
}

// NewOAuthRefresher builds a refresher from the configured client registrations.
func NewOAuthRefresher(cfg *config.Config) *OAuthRefresher {
	clients := make(map[domain.Provider]config.OAuthClient)
	for _, p := range domain.Providers {
		if c, ok := cfg.OAuthFor(p); ok {
			clients[p] = c
		}
	}
	return &OAuthRefresher{clients: clients}
}

func (r *OAuthRefresher) config(p domain.Provider) (*oauth2.Config, error) {
	client, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("%s OAuth credentials not configured; set them under [oauth.%s] or via environment variables", p, p)
	}
	endpoint, scopes, err := Endpoint(p)
	if err != nil {
		return nil, err
	}
	if override, ok := r.Endpoints[p]; ok {
		endpoint = override
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}, nil
}

func (r *OAuthRefresher) Refresh(ctx context.Context, p domain.Provider, refreshToken string) (*oauth2.Token, error) {
	cfg, err := r.config(p)
	if err != nil {
		return nil, err
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshErr(err)
	}
	return tok, nil
}

// classifyRefreshErr separates revoked or invalid grants, which need a new
// authorization, from failures worth retrying.
func classifyRefreshErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)) {
			return &domain.AuthError{Err: fmt.Errorf("token refresh rejected: %w", err)}
		}
	}
	return &domain.TransportError{Op: "token refresh", Err: err}
}
