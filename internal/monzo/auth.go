package monzo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
)

// OAuth drives the authorization-code flow for the registered client
// application. Per-user token refresh lives on Client; this type only
// handles first-time authorization.
type OAuth struct {
	httpClient   *http.Client
	baseURL      string
	authBaseURL  string
	clientID     string
	clientSecret string
	redirectURI  string
}

// NewOAuth creates the OAuth helper.
func NewOAuth(baseURL, clientID, clientSecret, redirectURI string) *OAuth {
	return &OAuth{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		authBaseURL:  "https://auth.monzo.com",
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
	}
}

// AuthorizeURL builds the URL the user visits to grant access. The state
// value must be verified on the redirect before exchanging the code.
func (o *OAuth) AuthorizeURL(state string) string {
	query := url.Values{
		"client_id":     {o.clientID},
		"redirect_uri":  {o.redirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	return o.authBaseURL + "/?" + query.Encode()
}

// ExchangeCodeForToken swaps an authorization code for tokens.
func (o *OAuth) ExchangeCodeForToken(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {o.clientID},
		"client_secret": {o.clientSecret},
		"redirect_uri":  {o.redirectURI},
		"code":          {code},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", domain.ErrBankTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading token exchange response: %v", domain.ErrBankTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: %v", &statusError{code: resp.StatusCode, body: truncate(raw)})
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token exchange response: %w", err)
	}
	if tok.AccessToken == "" || tok.UserID == "" {
		return nil, fmt.Errorf("token exchange response missing access_token or user_id")
	}
	return &tok, nil
}

// NewUserFromToken builds the user row created on first authorization.
func (o *OAuth) NewUserFromToken(tok *TokenResponse) *domain.User {
	now := time.Now().UTC()
	return &domain.User{
		MonzoUserID:     tok.UserID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		TokenType:       tok.TokenType,
		ExpiresIn:       tok.ExpiresIn,
		TokenAcquiredAt: now,
		ClientID:        o.clientID,
		ClientSecret:    o.clientSecret,
		RedirectURI:     o.redirectURI,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
