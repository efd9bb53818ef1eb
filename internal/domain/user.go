package domain

import (
	"fmt"
	"time"
)

// User holds one authenticated bank identity together with its OAuth
// credentials. One row per Monzo user; created on the first successful
// code exchange and updated on every token refresh.
type User struct {
	MonzoUserID  string `json:"monzo_user_id" db:"monzo_user_id"`
	AccessToken  string `json:"-" db:"access_token"`
	RefreshToken string `json:"-" db:"refresh_token"`
	TokenType    string `json:"token_type" db:"token_type"`
	// ExpiresIn is seconds-from-acquisition as reported by the bank.
	ExpiresIn       int       `json:"expires_in" db:"expires_in"`
	TokenAcquiredAt time.Time `json:"token_acquired_at" db:"token_acquired_at"`

	ClientID     string `json:"client_id" db:"client_id"`
	ClientSecret string `json:"-" db:"client_secret"`
	RedirectURI  string `json:"redirect_uri" db:"redirect_uri"`

	// NeedsReauth is set when a refresh fails terminally; sync skips the
	// user's accounts until it is cleared by a fresh authorization.
	NeedsReauth bool `json:"needs_reauth" db:"needs_reauth"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TokenExpiresAt returns the wall-clock expiry of the access token.
func (u *User) TokenExpiresAt() time.Time {
	return u.TokenAcquiredAt.Add(time.Duration(u.ExpiresIn) * time.Second)
}

// TokenExpired reports whether the access token has passed its expiry,
// with a 60 second safety margin.
func (u *User) TokenExpired(now time.Time) bool {
	if u.ExpiresIn == 0 {
		return false
	}
	return now.After(u.TokenExpiresAt().Add(-60 * time.Second))
}

// Validate checks the user has the fields required to talk to the bank.
func (u *User) Validate() error {
	if u.MonzoUserID == "" {
		return fmt.Errorf("monzo_user_id is required")
	}
	if u.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if u.RefreshToken == "" {
		return fmt.Errorf("refresh_token is required")
	}
	return nil
}
