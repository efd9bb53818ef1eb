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

// accountsRepo implements the AccountsRepo interface.
type accountsRepo struct {
	db *pgxpool.Pool
}

// NewAccountsRepo creates a new accounts repository.
func NewAccountsRepo(db *pgxpool.Pool) AccountsRepo {
	return &accountsRepo{db: db}
}

const accountColumns = `account_id, monzo_user_id, description, type, created, closed,
	sync_enabled, last_synced_at`

// Upsert creates or updates an account. The local sync_enabled flag and
// a user-overridden description survive refreshes from the bank.
func (r *accountsRepo) Upsert(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO UPDATE SET
			type = EXCLUDED.type,
			closed = EXCLUDED.closed`

	_, err := r.db.Exec(ctx, query,
		account.AccountID, account.MonzoUserID, account.Description, account.Type,
		account.Created, account.Closed, account.SyncEnabled, account.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.AccountID, &a.MonzoUserID, &a.Description, &a.Type,
		&a.Created, &a.Closed, &a.SyncEnabled, &a.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// GetByID retrieves an account by bank account id.
func (r *accountsRepo) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

func (r *accountsRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Account, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListForUser retrieves all accounts for a user.
func (r *accountsRepo) ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE monzo_user_id = $1 ORDER BY created`
	return r.list(ctx, query, monzoUserID)
}

// ListSyncable retrieves accounts that are active and not closed.
func (r *accountsRepo) ListSyncable(ctx context.Context, monzoUserID string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE monzo_user_id = $1 AND sync_enabled = true AND closed = false
		ORDER BY created`
	return r.list(ctx, query, monzoUserID)
}

// SetLastSynced stamps a successful sync.
func (r *accountsRepo) SetLastSynced(ctx context.Context, accountID string, at time.Time) error {
	result, err := r.db.Exec(ctx,
		`UPDATE accounts SET last_synced_at = $2 WHERE account_id = $1`,
		accountID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set last_synced_at: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
