// Package oauthflow drives the authorization-code exchange against the
// identity provider: credential verification, consent URL, code exchange,
// token refresh and revocation.
package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/session"
)

// Identity is the stable result of verifying a provider credential.
type Identity struct {
	ExternalID string
	Email      string
}

type Controller struct {
	oauth        *oauth2.Config
	tokenInfoURL string
	revokeURL    string
	client       *http.Client
	logger       *slog.Logger
}

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenInfoURL string
	RevokeURL    string
	// Endpoint overrides the provider's authorize/token endpoints; zero
	// value means the real provider.
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
}

func New(opts Options, logger *slog.Logger) *Controller {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := opts.Endpoint
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &Controller{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/gmail.modify",
			},
			Endpoint: endpoint,
		},
		tokenInfoURL: opts.TokenInfoURL,
		revokeURL:    opts.RevokeURL,
		client:       client,
		logger:       logger,
	}
}

// VerifyCredential checks an identity credential (an ID token) against the
// provider and extracts the stable subject identifier and email.
func (c *Controller) VerifyCredential(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, fault.ErrInvalidCredential
	}

	endpoint := c.tokenInfoURL + "?id_token=" + url.QueryEscape(credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build tokeninfo request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: tokeninfo: %v", fault.ErrInvalidCredential, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fault.ErrInvalidCredential
	}

	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("%w: decode tokeninfo: %v", fault.ErrInvalidCredential, err)
	}
	if info.Sub == "" {
		return Identity{}, fault.ErrInvalidCredential
	}
	return Identity{ExternalID: info.Sub, Email: info.Email}, nil
}

// AuthURL builds the provider consent URL. The session handle rides as the
// opaque state parameter so the callback can only complete against the
// session that started the flow.
func (c *Controller) AuthURL(sessionHandle string) string {
	return c.oauth.AuthCodeURL(sessionHandle, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for a token set.
func (c *Controller) Exchange(ctx context.Context, code string) (session.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("exchange code: %w", err)
	}
	return tokenSet(token), nil
}

// Refresh returns a fresh token set, reusing the stored refresh token when
// the provider does not rotate it.
func (c *Controller) Refresh(ctx context.Context, tokens session.TokenSet) (session.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	src := c.oauth.TokenSource(ctx, oauthToken(tokens))
	fresh, err := src.Token()
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("%w: refresh: %v", fault.ErrTokenExpired, err)
	}
	refreshed := tokenSet(fresh)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	return refreshed, nil
}

// Revoke tells the provider to invalidate the token. Failures are logged and
// swallowed; local logout must proceed regardless.
func (c *Controller) Revoke(ctx context.Context, tokens session.TokenSet) {
	token := tokens.RefreshToken
	if token == "" {
		token = tokens.AccessToken
	}
	if token == "" {
		return
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Warn("build revoke request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("revoke token", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("revoke token", "status", resp.StatusCode)
	}
}

// TokenSource adapts a stored token set for the mailbox client, refreshing
// transparently as calls are made.
func (c *Controller) TokenSource(ctx context.Context, tokens session.TokenSet) oauth2.TokenSource {
	return c.oauth.TokenSource(ctx, oauthToken(tokens))
}

func tokenSet(t *oauth2.Token) session.TokenSet {
	return session.TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

func oauthToken(t session.TokenSet) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}
