// Package token bridges the users repository and the bank client:
// tokens are encrypted on the way into the database and decrypted on
// the way out, so neither side handles the other's representation.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/potmatic/potmatic/internal/auth"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
)

// Store owns token persistence and crypto. It implements
// monzo.TokenStore so refreshed tokens round-trip through the same
// encryption as the initial OAuth grant.
type Store struct {
	users repository.UsersRepo
	crypt *auth.TokenCrypt
}

// NewStore creates a token store. crypt may be nil for local development.
func NewStore(users repository.UsersRepo, crypt *auth.TokenCrypt) *Store {
	return &Store{users: users, crypt: crypt}
}

var _ monzo.TokenStore = (*Store)(nil)

// SaveUser encrypts a user's tokens and upserts the row. Used after the
// initial OAuth code exchange.
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	sealed := *user
	var err error
	if sealed.AccessToken, err = s.crypt.Encrypt(user.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if sealed.RefreshToken, err = s.crypt.Encrypt(user.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return s.users.Upsert(ctx, &sealed)
}

// SaveTokens encrypts and persists refreshed tokens.
func (s *Store) SaveTokens(ctx context.Context, userID string, tok *monzo.TokenResponse) error {
	access, err := s.crypt.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.crypt.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return s.users.UpdateTokens(ctx, userID, access, refresh, tok.TokenType, tok.ExpiresIn, time.Now().UTC())
}

// MarkNeedsReauth flags a user whose refresh token the bank rejected.
func (s *Store) MarkNeedsReauth(ctx context.Context, userID string) error {
	return s.users.SetNeedsReauth(ctx, userID, true)
}

// DecryptedUser loads a user with plaintext tokens, ready to hand to the
// bank client.
func (s *Store) DecryptedUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.decrypt(user)
}

// DecryptedUsers loads every user with plaintext tokens.
func (s *Store) DecryptedUsers(ctx context.Context) ([]*domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.User, 0, len(users))
	for _, u := range users {
		du, err := s.decrypt(u)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", u.MonzoUserID, err)
		}
		out = append(out, du)
	}
	return out, nil
}

func (s *Store) decrypt(user *domain.User) (*domain.User, error) {
	opened := *user
	var err error
	if opened.AccessToken, err = s.crypt.Decrypt(user.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if opened.RefreshToken, err = s.crypt.Decrypt(user.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &opened, nil
}
