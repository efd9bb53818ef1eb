package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potmatic/potmatic/internal/domain"
)

// categoriesRepo implements the CategoriesRepo interface.
type categoriesRepo struct {
	db *pgxpool.Pool
}

// NewCategoriesRepo creates a new categories repository.
func NewCategoriesRepo(db *pgxpool.Pool) CategoriesRepo {
	return &categoriesRepo{db: db}
}

// Assign sets the category for a pot, replacing any previous assignment.
func (r *categoriesRepo) Assign(ctx context.Context, assignment *domain.UserPotCategory) error {
	if err := assignment.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	query := `
		INSERT INTO user_pot_categories (monzo_user_id, pot_id, category, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (monzo_user_id, pot_id) DO UPDATE SET
			category = EXCLUDED.category`

	_, err := r.db.Exec(ctx, query, assignment.MonzoUserID, assignment.PotID, assignment.Category)
	if err != nil {
		return fmt.Errorf("failed to assign pot category: %w", err)
	}
	return nil
}

// Remove drops the assignment for a pot.
func (r *categoriesRepo) Remove(ctx context.Context, monzoUserID, potID string) error {
	result, err := r.db.Exec(ctx,
		`DELETE FROM user_pot_categories WHERE monzo_user_id = $1 AND pot_id = $2`,
		monzoUserID, potID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove pot category: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListForUser retrieves all assignments for a user.
func (r *categoriesRepo) ListForUser(ctx context.Context, monzoUserID string) ([]*domain.UserPotCategory, error) {
	rows, err := r.db.Query(ctx,
		`SELECT monzo_user_id, pot_id, category, created_at
		 FROM user_pot_categories WHERE monzo_user_id = $1 ORDER BY created_at`,
		monzoUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pot categories: %w", err)
	}
	defer rows.Close()

	var assignments []*domain.UserPotCategory
	for rows.Next() {
		var a domain.UserPotCategory
		if err := rows.Scan(&a.MonzoUserID, &a.PotID, &a.Category, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pot category: %w", err)
		}
		assignments = append(assignments, &a)
	}
	return assignments, rows.Err()
}

// PotsInCategory retrieves the non-deleted pots a user has assigned to a
// category. Name heuristics are never used; this join is the only
// categorical lookup path.
func (r *categoriesRepo) PotsInCategory(ctx context.Context, monzoUserID string, category domain.PotCategory) ([]*domain.Pot, error) {
	query := `
		SELECT p.pot_id, p.account_id, p.monzo_user_id, p.name, p.style,
			p.balance, p.currency, p.goal, p.pot_current_id, p.deleted, p.created, p.updated
		FROM pots p
		JOIN user_pot_categories c ON c.pot_id = p.pot_id AND c.monzo_user_id = p.monzo_user_id
		WHERE c.monzo_user_id = $1 AND c.category = $2 AND p.deleted = false
		ORDER BY p.name`

	rows, err := r.db.Query(ctx, query, monzoUserID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list pots in category: %w", err)
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
