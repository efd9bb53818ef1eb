package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potmatic/potmatic/internal/domain"
)

// intentsRepo implements the IntentsRepo interface.
type intentsRepo struct {
	db *pgxpool.Pool
}

// NewIntentsRepo creates a new transfer intent repository.
func NewIntentsRepo(db *pgxpool.Pool) IntentsRepo {
	return &intentsRepo{db: db}
}

const intentColumns = `intent_id, rule_id, monzo_user_id, source_pot_id, target_pot_id,
	account_id, amount, dedupe_base, state, created_at, updated_at`

// Create records a pending intent before the first transfer leg.
func (r *intentsRepo) Create(ctx context.Context, intent *domain.TransferIntent) error {
	query := `
		INSERT INTO transfer_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		intent.IntentID, intent.RuleID, intent.MonzoUserID,
		intent.SourcePotID, intent.TargetPotID, intent.AccountID,
		intent.Amount, intent.DedupeBase, intent.State,
		intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer intent: %w", err)
	}
	return nil
}

// SetState advances an intent's state.
func (r *intentsRepo) SetState(ctx context.Context, intentID uuid.UUID, state domain.IntentState) error {
	result, err := r.db.Exec(ctx,
		`UPDATE transfer_intents SET state = $2, updated_at = NOW() WHERE intent_id = $1`,
		intentID, state,
	)
	if err != nil {
		return fmt.Errorf("failed to set intent state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListIncomplete retrieves intents not yet done, oldest first. The
// startup recovery scan drains this list.
func (r *intentsRepo) ListIncomplete(ctx context.Context) ([]*domain.TransferIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM transfer_intents
		WHERE state <> $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, domain.IntentDone)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete intents: %w", err)
	}
	defer rows.Close()

	var intents []*domain.TransferIntent
	for rows.Next() {
		var i domain.TransferIntent
		err := rows.Scan(
			&i.IntentID, &i.RuleID, &i.MonzoUserID,
			&i.SourcePotID, &i.TargetPotID, &i.AccountID,
			&i.Amount, &i.DedupeBase, &i.State,
			&i.CreatedAt, &i.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer intent: %w", err)
		}
		intents = append(intents, &i)
	}
	return intents, rows.Err()
}

// Delete removes an intent row.
func (r *intentsRepo) Delete(ctx context.Context, intentID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`DELETE FROM transfer_intents WHERE intent_id = $1`, intentID)
	if err != nil {
		return fmt.Errorf("failed to delete transfer intent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
