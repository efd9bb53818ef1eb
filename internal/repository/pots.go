package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potmatic/potmatic/internal/domain"
)

// potsRepo implements the PotsRepo interface.
type potsRepo struct {
	db *pgxpool.Pool
}

// NewPotsRepo creates a new pots repository.
func NewPotsRepo(db *pgxpool.Pool) PotsRepo {
	return &potsRepo{db: db}
}

const potColumns = `pot_id, account_id, monzo_user_id, name, style, balance, currency,
	goal, pot_current_id, deleted, created, updated`

// Upsert creates or updates a pot from bank data.
func (r *potsRepo) Upsert(ctx context.Context, pot *domain.Pot) error {
	query := `
		INSERT INTO pots (` + potColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pot_id) DO UPDATE SET
			name = EXCLUDED.name,
			style = EXCLUDED.style,
			balance = EXCLUDED.balance,
			currency = EXCLUDED.currency,
			goal = EXCLUDED.goal,
			pot_current_id = EXCLUDED.pot_current_id,
			deleted = EXCLUDED.deleted,
			updated = EXCLUDED.updated`

	_, err := r.db.Exec(ctx, query,
		pot.PotID, pot.AccountID, pot.MonzoUserID, pot.Name, pot.Style,
		pot.Balance, pot.Currency, pot.Goal, pot.PotCurrentID, pot.Deleted,
		pot.Created, pot.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pot: %w", err)
	}
	return nil
}

func scanPot(row pgx.Row) (*domain.Pot, error) {
	var p domain.Pot
	err := row.Scan(
		&p.PotID, &p.AccountID, &p.MonzoUserID, &p.Name, &p.Style,
		&p.Balance, &p.Currency, &p.Goal, &p.PotCurrentID, &p.Deleted,
		&p.Created, &p.Updated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pot: %w", err)
	}
	return &p, nil
}

// GetByID retrieves a pot by bank pot id.
func (r *potsRepo) GetByID(ctx context.Context, potID string) (*domain.Pot, error) {
	query := `SELECT ` + potColumns + ` FROM pots WHERE pot_id = $1`
	return scanPot(r.db.QueryRow(ctx, query, potID))
}

// GetByName retrieves a non-deleted pot by display name for a user.
func (r *potsRepo) GetByName(ctx context.Context, monzoUserID, name string) (*domain.Pot, error) {
	query := `SELECT ` + potColumns + ` FROM pots
		WHERE monzo_user_id = $1 AND name = $2 AND deleted = false
		ORDER BY created LIMIT 1`
	return scanPot(r.db.QueryRow(ctx, query, monzoUserID, name))
}

func (r *potsRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Pot, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pots: %w", err)
	}
	defer rows.Close()

	var pots []*domain.Pot
	for rows.Next() {
		p, err := scanPot(rows)
		if err != nil {
			return nil, err
		}
		pots = append(pots, p)
	}
	return pots, rows.Err()
}

// ListForUser retrieves all non-deleted pots for a user.
func (r *potsRepo) ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Pot, error) {
	query := `SELECT ` + potColumns + ` FROM pots
		WHERE monzo_user_id = $1 AND deleted = false ORDER BY name`
	return r.list(ctx, query, monzoUserID)
}

// ListForAccount retrieves all non-deleted pots for an account.
func (r *potsRepo) ListForAccount(ctx context.Context, accountID string) ([]*domain.Pot, error) {
	query := `SELECT ` + potColumns + ` FROM pots
		WHERE account_id = $1 AND deleted = false ORDER BY name`
	return r.list(ctx, query, accountID)
}

// MarkDeleted soft-deletes a pot.
func (r *potsRepo) MarkDeleted(ctx context.Context, potID string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE pots SET deleted = true, updated = NOW() WHERE pot_id = $1`, potID)
	if err != nil {
		return fmt.Errorf("failed to mark pot deleted: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
