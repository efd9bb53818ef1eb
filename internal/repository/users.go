package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potmatic/potmatic/internal/domain"
)

// usersRepo implements the UsersRepo interface.
type usersRepo struct {
	db *pgxpool.Pool
}

// NewUsersRepo creates a new users repository.
func NewUsersRepo(db *pgxpool.Pool) UsersRepo {
	return &usersRepo{db: db}
}

const userColumns = `monzo_user_id, access_token, refresh_token, token_type, expires_in,
	token_acquired_at, client_id, client_secret, redirect_uri, needs_reauth,
	created_at, updated_at`

// Upsert creates or replaces a user row keyed by monzo_user_id.
func (r *usersRepo) Upsert(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (monzo_user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_in = EXCLUDED.expires_in,
			token_acquired_at = EXCLUDED.token_acquired_at,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			redirect_uri = EXCLUDED.redirect_uri,
			needs_reauth = false,
			updated_at = NOW()`

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.Exec(ctx, query,
		user.MonzoUserID, user.AccessToken, user.RefreshToken, user.TokenType,
		user.ExpiresIn, user.TokenAcquiredAt, user.ClientID, user.ClientSecret,
		user.RedirectURI, user.NeedsReauth, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.MonzoUserID, &u.AccessToken, &u.RefreshToken, &u.TokenType,
		&u.ExpiresIn, &u.TokenAcquiredAt, &u.ClientID, &u.ClientSecret,
		&u.RedirectURI, &u.NeedsReauth, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetByID retrieves a user by bank user id.
func (r *usersRepo) GetByID(ctx context.Context, monzoUserID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE monzo_user_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, monzoUserID))
}

// List retrieves all users.
func (r *usersRepo) List(ctx context.Context) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateTokens persists refreshed tokens under a row lock so that
// concurrent refreshes serialize on the user row.
func (r *usersRepo) UpdateTokens(ctx context.Context, monzoUserID, accessToken, refreshToken, tokenType string, expiresIn int, acquiredAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin token update: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `SELECT monzo_user_id FROM users WHERE monzo_user_id = $1 FOR UPDATE`, monzoUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock user row: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET access_token = $2, refresh_token = $3, token_type = $4,
			expires_in = $5, token_acquired_at = $6, needs_reauth = false,
			updated_at = NOW()
		WHERE monzo_user_id = $1`,
		monzoUserID, accessToken, refreshToken, tokenType, expiresIn, acquiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit token update: %w", err)
	}
	return nil
}

// SetNeedsReauth flips the reauthentication marker.
func (r *usersRepo) SetNeedsReauth(ctx context.Context, monzoUserID string, needs bool) error {
	result, err := r.db.Exec(ctx,
		`UPDATE users SET needs_reauth = $2, updated_at = NOW() WHERE monzo_user_id = $1`,
		monzoUserID, needs,
	)
	if err != nil {
		return fmt.Errorf("failed to set needs_reauth: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
