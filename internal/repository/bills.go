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

// billsRepo implements the BillsRepo interface.
type billsRepo struct {
	db *pgxpool.Pool
}

// NewBillsRepo creates a new bills-pot transaction repository.
func NewBillsRepo(db *pgxpool.Pool) BillsRepo {
	return &billsRepo{db: db}
}

const billsColumns = `transaction_id, pot_id, monzo_user_id, created, amount,
	description, transaction_type, is_pot_withdrawal`

// UpsertBatch writes classified bills-pot transactions. Reclassification
// of an existing row replaces the stored type.
func (r *billsRepo) UpsertBatch(ctx context.Context, txns []*domain.BillsPotTransaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin bills batch: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO bills_pot_transactions (` + billsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id, pot_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			description = EXCLUDED.description,
			transaction_type = EXCLUDED.transaction_type,
			is_pot_withdrawal = EXCLUDED.is_pot_withdrawal`

	written := 0
	for _, t := range txns {
		result, err := tx.Exec(ctx, query,
			t.TransactionID, t.PotID, t.MonzoUserID, t.Created, t.Amount,
			t.Description, t.TransactionType, t.IsPotWithdrawal,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert bills transaction %s: %w", t.TransactionID, err)
		}
		written += int(result.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bills batch: %w", err)
	}
	return written, nil
}

// Latest returns the most recent bills-pot transaction for a pot.
func (r *billsRepo) Latest(ctx context.Context, potID string) (*domain.BillsPotTransaction, error) {
	query := `SELECT ` + billsColumns + ` FROM bills_pot_transactions
		WHERE pot_id = $1
		ORDER BY created DESC, transaction_id DESC
		LIMIT 1`

	var t domain.BillsPotTransaction
	err := r.db.QueryRow(ctx, query, potID).Scan(
		&t.TransactionID, &t.PotID, &t.MonzoUserID, &t.Created, &t.Amount,
		&t.Description, &t.TransactionType, &t.IsPotWithdrawal,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan bills transaction: %w", err)
	}
	return &t, nil
}

// SumOutgoingSince sums |amount| of outgoing rows for a pot created at or
// after the boundary. Internal pot transfers are excluded so the result
// reflects real spending, not money shuffled between pots.
func (r *billsRepo) SumOutgoingSince(ctx context.Context, monzoUserID, potID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(-amount), 0)
		FROM bills_pot_transactions
		WHERE monzo_user_id = $1 AND pot_id = $2 AND created >= $3
			AND amount < 0
			AND transaction_type <> $4
			AND is_pot_withdrawal = false`

	var total int64
	err := r.db.QueryRow(ctx, query, monzoUserID, potID, since.UTC(), domain.BillsTypePotTransfer).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outgoing bills spend: %w", err)
	}
	return total, nil
}
