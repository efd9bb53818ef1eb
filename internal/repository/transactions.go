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

// transactionsRepo implements the TransactionsRepo interface.
type transactionsRepo struct {
	db *pgxpool.Pool
}

// NewTransactionsRepo creates a new transactions repository.
func NewTransactionsRepo(db *pgxpool.Pool) TransactionsRepo {
	return &transactionsRepo{db: db}
}

const transactionColumns = `transaction_id, account_id, monzo_user_id, amount, created,
	currency, description, category, merchant, notes, is_load, settled, metadata, pot_current_id`

// InsertBatch commits transactions atomically. Ids already present for the
// user are skipped rather than updated, so a re-delivered page never
// rewrites committed history. Returns the number actually inserted.
func (r *transactionsRepo) InsertBatch(ctx context.Context, txns []*domain.Transaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction batch: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (transaction_id, monzo_user_id) DO NOTHING`

	inserted := 0
	for _, t := range txns {
		result, err := tx.Exec(ctx, query,
			t.TransactionID, t.AccountID, t.MonzoUserID, t.Amount, t.Created,
			t.Currency, t.Description, t.Category, t.Merchant, t.Notes,
			t.IsLoad, t.Settled, t.Metadata, t.PotCurrentID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction %s: %w", t.TransactionID, err)
		}
		inserted += int(result.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction batch: %w", err)
	}
	return inserted, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.TransactionID, &t.AccountID, &t.MonzoUserID, &t.Amount, &t.Created,
		&t.Currency, &t.Description, &t.Category, &t.Merchant, &t.Notes,
		&t.IsLoad, &t.Settled, &t.Metadata, &t.PotCurrentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &t, nil
}

// Latest returns the most recent committed transaction for an account.
// Ties on created resolve by transaction id so the cursor is stable.
func (r *transactionsRepo) Latest(ctx context.Context, accountID, monzoUserID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE account_id = $1 AND monzo_user_id = $2
		ORDER BY created DESC, transaction_id DESC
		LIMIT 1`
	return scanTransaction(r.db.QueryRow(ctx, query, accountID, monzoUserID))
}

// GetByID retrieves one transaction scoped to a user.
func (r *transactionsRepo) GetByID(ctx context.Context, transactionID, monzoUserID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE transaction_id = $1 AND monzo_user_id = $2`
	return scanTransaction(r.db.QueryRow(ctx, query, transactionID, monzoUserID))
}

// ListSince retrieves transactions created at or after the boundary,
// newest first. accountID narrows to one account when non-empty.
func (r *transactionsRepo) ListSince(ctx context.Context, monzoUserID, accountID string, since time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE monzo_user_id = $1 AND created >= $2`
	args := []interface{}{monzoUserID, since.UTC()}
	if accountID != "" {
		query += ` AND account_id = $3`
		args = append(args, accountID)
	}
	query += ` ORDER BY created DESC, transaction_id DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// UpdateSettlement updates the two columns of a committed row that the
// bank can change after the fact.
func (r *transactionsRepo) UpdateSettlement(ctx context.Context, transactionID, monzoUserID string, settled *time.Time, metadata map[string]string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE transactions SET settled = $3, metadata = $4
		WHERE transaction_id = $1 AND monzo_user_id = $2`,
		transactionID, monzoUserID, settled, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
