// Package repository defines interfaces for data access.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/potmatic/potmatic/internal/domain"
)

// UsersRepo defines the interface for user data operations. Token values
// cross this boundary already encrypted; the token store owns the crypto.
type UsersRepo interface {
	// Upsert creates or replaces a user row keyed by monzo_user_id.
	Upsert(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by bank user id.
	GetByID(ctx context.Context, monzoUserID string) (*domain.User, error)

	// List retrieves all users.
	List(ctx context.Context) ([]*domain.User, error)

	// UpdateTokens persists refreshed tokens. The update runs under a
	// row lock so concurrent refreshes serialize on the user row.
	UpdateTokens(ctx context.Context, monzoUserID, accessToken, refreshToken, tokenType string, expiresIn int, acquiredAt time.Time) error

	// SetNeedsReauth flips the reauthentication marker.
	SetNeedsReauth(ctx context.Context, monzoUserID string, needs bool) error
}

// AccountsRepo defines the interface for account mirror operations.
type AccountsRepo interface {
	// Upsert creates or updates an account, preserving the local
	// sync_enabled flag and any user-overridden description.
	Upsert(ctx context.Context, account *domain.Account) error

	// GetByID retrieves an account by bank account id.
	GetByID(ctx context.Context, accountID string) (*domain.Account, error)

	// ListForUser retrieves all accounts for a user.
	ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Account, error)

	// ListSyncable retrieves accounts that are active and not closed.
	ListSyncable(ctx context.Context, monzoUserID string) ([]*domain.Account, error)

	// SetLastSynced stamps a successful sync.
	SetLastSynced(ctx context.Context, accountID string, at time.Time) error
}

// PotsRepo defines the interface for pot mirror operations.
type PotsRepo interface {
	// Upsert creates or updates a pot.
	Upsert(ctx context.Context, pot *domain.Pot) error

	// GetByID retrieves a pot by bank pot id.
	GetByID(ctx context.Context, potID string) (*domain.Pot, error)

	// GetByName retrieves a non-deleted pot by display name for a user.
	GetByName(ctx context.Context, monzoUserID, name string) (*domain.Pot, error)

	// ListForUser retrieves all non-deleted pots for a user.
	ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Pot, error)

	// ListForAccount retrieves all non-deleted pots for an account.
	ListForAccount(ctx context.Context, accountID string) ([]*domain.Pot, error)

	// MarkDeleted soft-deletes a pot.
	MarkDeleted(ctx context.Context, potID string) error
}

// CategoriesRepo defines the interface for pot category assignments.
type CategoriesRepo interface {
	// Assign sets the category for a pot, replacing any previous one.
	Assign(ctx context.Context, assignment *domain.UserPotCategory) error

	// Remove drops the assignment for a pot.
	Remove(ctx context.Context, monzoUserID, potID string) error

	// ListForUser retrieves all assignments for a user.
	ListForUser(ctx context.Context, monzoUserID string) ([]*domain.UserPotCategory, error)

	// PotsInCategory retrieves the non-deleted pots a user has assigned
	// to a category.
	PotsInCategory(ctx context.Context, monzoUserID string, category domain.PotCategory) ([]*domain.Pot, error)
}

// TransactionsRepo defines the interface for the transaction mirror.
type TransactionsRepo interface {
	// InsertBatch commits transactions atomically, skipping ids already
	// present for the user. Returns the number actually inserted.
	InsertBatch(ctx context.Context, txns []*domain.Transaction) (int, error)

	// Latest returns the most recent transaction for (account, user)
	// ordered by (created desc, id desc), or ErrNotFound.
	Latest(ctx context.Context, accountID, monzoUserID string) (*domain.Transaction, error)

	// GetByID retrieves one transaction scoped to a user.
	GetByID(ctx context.Context, transactionID, monzoUserID string) (*domain.Transaction, error)

	// ListSince retrieves transactions for a user created at or after
	// the given instant, newest first. accountID narrows to one account
	// when non-empty.
	ListSince(ctx context.Context, monzoUserID, accountID string, since time.Time) ([]*domain.Transaction, error)

	// UpdateSettlement updates the two mutable columns of a committed
	// row: settled timestamp and metadata.
	UpdateSettlement(ctx context.Context, transactionID, monzoUserID string, settled *time.Time, metadata map[string]string) error
}

// BillsRepo defines the interface for the bills-pot transaction mirror.
type BillsRepo interface {
	// UpsertBatch writes classified bills-pot transactions.
	UpsertBatch(ctx context.Context, txns []*domain.BillsPotTransaction) (int, error)

	// Latest returns the most recent bills-pot transaction for a pot.
	Latest(ctx context.Context, potID string) (*domain.BillsPotTransaction, error)

	// SumOutgoingSince sums |amount| of outgoing rows for a pot created
	// at or after the boundary, excluding internal pot transfers.
	SumOutgoingSince(ctx context.Context, monzoUserID, potID string, since time.Time) (int64, error)
}

// RulesRepo defines the interface for automation rule storage.
type RulesRepo interface {
	// Create persists a new rule.
	Create(ctx context.Context, rule *domain.Rule) error

	// Update replaces name, enabled flag and config.
	Update(ctx context.Context, rule *domain.Rule) error

	// Delete removes a rule permanently.
	Delete(ctx context.Context, ruleID string) error

	// GetByID retrieves a rule.
	GetByID(ctx context.Context, ruleID string) (*domain.Rule, error)

	// ListForUser retrieves all rules for a user.
	ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Rule, error)

	// ListEnabledForUser retrieves enabled rules for a user.
	ListEnabledForUser(ctx context.Context, monzoUserID string) ([]*domain.Rule, error)

	// ListEnabled retrieves all enabled rules across users.
	ListEnabled(ctx context.Context) ([]*domain.Rule, error)

	// RecordExecution stamps last_executed_at and execution metadata.
	// Last writer wins; there is no optimistic locking on rule rows.
	RecordExecution(ctx context.Context, ruleID string, executedAt time.Time, metadata *domain.ExecutionMetadata) error
}

// IntentsRepo defines the interface for transfer intent rows.
type IntentsRepo interface {
	// Create records a pending intent before the first transfer leg.
	Create(ctx context.Context, intent *domain.TransferIntent) error

	// SetState advances an intent's state.
	SetState(ctx context.Context, intentID uuid.UUID, state domain.IntentState) error

	// ListIncomplete retrieves intents not yet done, oldest first.
	ListIncomplete(ctx context.Context) ([]*domain.TransferIntent, error)

	// Delete removes an intent row.
	Delete(ctx context.Context, intentID uuid.UUID) error
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Users        UsersRepo
	Accounts     AccountsRepo
	Pots         PotsRepo
	Categories   CategoriesRepo
	Transactions TransactionsRepo
	Bills        BillsRepo
	Rules        RulesRepo
	Intents      IntentsRepo
}
