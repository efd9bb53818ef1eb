// Package syncer maintains the local mirror of accounts, pots and
// transactions that trigger evaluation and analytics read from.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/token"
	"github.com/potmatic/potmatic/internal/utils"
)

const (
	// firstSyncWindow is the bank API's hard history limit, minus a day
	// of slack so the boundary request never gets rejected.
	firstSyncWindow = 89 * 24 * time.Hour

	// maxCommitPerRun caps one incremental commit batch. Anything beyond
	// the cap is picked up on the next tick.
	maxCommitPerRun = 1000
)

// PostSyncHook runs after each successful per-account sync. Implemented
// by the automation integrator.
type PostSyncHook interface {
	AfterAccountSync(ctx context.Context, userID, accountID string)
}

// Engine drives the per-account sync algorithm across all users.
type Engine struct {
	repos   *repository.Repositories
	tokens  *token.Store
	factory *monzo.Factory
	cache   *repository.RedisClient
	metrics *utils.MetricsCollector
	tracer  trace.Tracer

	hook                  PostSyncHook
	subscriptionMerchants []string

	// cursors holds the newest committed transaction per (account, user)
	// so incremental runs skip the initial store read.
	cursorMu sync.Mutex
	cursors  map[string]*domain.Transaction

	// inFlight enforces the single global sync invocation. Buffered so
	// acquisition never blocks.
	inFlight chan struct{}
}

// NewEngine creates a sync engine. The post-sync hook is wired separately
// because automation depends on the mirror this engine writes.
func NewEngine(repos *repository.Repositories, tokens *token.Store, factory *monzo.Factory, cache *repository.RedisClient, metrics *utils.MetricsCollector) *Engine {
	e := &Engine{
		repos:    repos,
		tokens:   tokens,
		factory:  factory,
		cache:    cache,
		metrics:  metrics,
		tracer:   utils.GetTracer("syncer"),
		cursors:  make(map[string]*domain.Transaction),
		inFlight: make(chan struct{}, 1),
	}
	e.inFlight <- struct{}{}
	return e
}

// SetPostSyncHook installs the automation hook. Must be called before the
// first sync tick.
func (e *Engine) SetPostSyncHook(hook PostSyncHook) {
	e.hook = hook
}

// SyncAll syncs every user's syncable accounts. At most one invocation
// runs at a time; overlapping calls return immediately.
func (e *Engine) SyncAll(ctx context.Context) {
	select {
	case <-e.inFlight:
	default:
		utils.Debug("sync already in flight, skipping tick")
		return
	}
	defer func() { e.inFlight <- struct{}{} }()

	ctx, span := e.tracer.Start(ctx, "sync.all")
	defer span.End()

	users, err := e.tokens.DecryptedUsers(ctx)
	if err != nil {
		utils.Error("failed to load users for sync", slog.String("error", err.Error()))
		e.metrics.RecordSyncRun(false)
		return
	}

	for _, user := range users {
		if user.NeedsReauth {
			utils.Debug("skipping user pending reauthentication",
				slog.String("user_id", user.MonzoUserID))
			continue
		}
		e.syncUser(ctx, user)
	}
}

func (e *Engine) syncUser(ctx context.Context, user *domain.User) {
	client := e.factory.ForUser(user)

	apiAccounts, err := client.GetAccounts(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrReauthRequired) {
			utils.Warn("user needs reauthentication, skipping sync",
				slog.String("user_id", user.MonzoUserID))
		} else {
			utils.Error("failed to list accounts",
				slog.String("user_id", user.MonzoUserID),
				slog.String("error", err.Error()),
			)
		}
		e.metrics.RecordSyncRun(false)
		return
	}

	for _, apiAccount := range apiAccounts {
		if err := e.repos.Accounts.Upsert(ctx, apiAccount.ToDomain(user.MonzoUserID)); err != nil {
			utils.Error("failed to upsert account",
				slog.String("account_id", apiAccount.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	accounts, err := e.repos.Accounts.ListSyncable(ctx, user.MonzoUserID)
	if err != nil {
		utils.Error("failed to list syncable accounts",
			slog.String("user_id", user.MonzoUserID),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordSyncRun(false)
		return
	}

	// A failure on one account never aborts the rest.
	for _, account := range accounts {
		if err := e.SyncAccount(ctx, client, user.MonzoUserID, account.AccountID); err != nil {
			utils.Error("account sync failed",
				slog.String("account_id", account.AccountID),
				slog.String("error", err.Error()),
			)
			e.metrics.RecordSyncRun(false)
			continue
		}
		e.metrics.RecordSyncRun(true)
	}
}

// SyncAccount runs the full per-account algorithm: metadata, pots,
// transactions, bills pots, then the post-sync hook. Also used by the
// auto-topup executor as its inner lightweight sync.
func (e *Engine) SyncAccount(ctx context.Context, client *monzo.Client, userID, accountID string) error {
	ctx, span := e.tracer.Start(ctx, "sync.account",
		trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	account, err := e.repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Syncable() {
		utils.Debug("account not syncable, skipping", slog.String("account_id", accountID))
		return nil
	}

	if err := e.syncPots(ctx, client, userID, accountID); err != nil {
		return err
	}
	if err := e.syncBalance(ctx, client, accountID); err != nil {
		// Balance cache is an optimization; a miss falls back to the DB.
		utils.Warn("failed to refresh balance cache",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
	committed, err := e.syncTransactions(ctx, client, userID, accountID)
	if err != nil {
		return err
	}
	if err := e.syncBillsPots(ctx, client, userID); err != nil {
		utils.Error("bills pot sync failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.repos.Accounts.SetLastSynced(ctx, accountID, time.Now().UTC()); err != nil {
		utils.Warn("failed to stamp last_synced_at",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	utils.Info("account synced",
		slog.String("account_id", accountID),
		slog.Int("transactions_committed", committed),
	)

	if e.hook != nil {
		e.hook.AfterAccountSync(ctx, userID, accountID)
	}
	return nil
}

// RefreshBalances re-reads pots and the account balance without touching
// transactions or the post-sync hook. The topup executor uses it as its
// inner lightweight sync.
func (e *Engine) RefreshBalances(ctx context.Context, client *monzo.Client, userID, accountID string) error {
	if err := e.syncPots(ctx, client, userID, accountID); err != nil {
		return err
	}
	return e.syncBalance(ctx, client, accountID)
}

func (e *Engine) syncPots(ctx context.Context, client *monzo.Client, userID, accountID string) error {
	apiPots, err := client.GetPots(ctx, accountID)
	if err != nil {
		return err
	}
	for _, apiPot := range apiPots {
		pot := apiPot.ToDomain(accountID, userID)
		if err := e.repos.Pots.Upsert(ctx, pot); err != nil {
			utils.Error("failed to upsert pot",
				slog.String("pot_id", pot.PotID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !pot.Deleted && e.cache != nil {
			if err := e.cache.CacheBalance(ctx, pot.PotID, pot.Balance, pot.Currency); err != nil {
				utils.Debug("failed to cache pot balance",
					slog.String("pot_id", pot.PotID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

func (e *Engine) syncBalance(ctx context.Context, client *monzo.Client, accountID string) error {
	if e.cache == nil {
		return nil
	}
	balance, err := client.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	return e.cache.CacheBalance(ctx, accountID, balance.Balance, balance.Currency)
}

// cursorFor returns the in-memory cursor for (account, user), falling
// back to the store on a cold start.
func (e *Engine) cursorFor(ctx context.Context, accountID, userID string) (*domain.Transaction, error) {
	e.cursorMu.Lock()
	cursor := e.cursors[accountID+"/"+userID]
	e.cursorMu.Unlock()
	if cursor != nil {
		return cursor, nil
	}

	cursor, err := e.repos.Transactions.Latest(ctx, accountID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cursor, nil
}

func (e *Engine) setCursor(accountID, userID string, cursor *domain.Transaction) {
	e.cursorMu.Lock()
	e.cursors[accountID+"/"+userID] = cursor
	e.cursorMu.Unlock()
}

func (e *Engine) syncTransactions(ctx context.Context, client *monzo.Client, userID, accountID string) (int, error) {
	cursor, err := e.cursorFor(ctx, accountID, userID)
	if err != nil {
		return 0, err
	}

	var fetched []monzo.APITransaction
	if cursor == nil {
		since := time.Now().UTC().Add(-firstSyncWindow)
		fetched, err = client.GetTransactions(ctx, accountID, monzo.TransactionParams{
			Since:        since.Format(time.RFC3339),
			AutoPaginate: true,
		})
	} else {
		before := time.Now().UTC()
		fetched, err = client.GetTransactions(ctx, accountID, monzo.TransactionParams{
			Since:        cursor.TransactionID,
			Before:       &before,
			AutoPaginate: true,
		})
	}
	if err != nil {
		return 0, err
	}

	batch := make([]*domain.Transaction, 0, len(fetched))
	for i := range fetched {
		txn := fetched[i].ToDomain(userID)
		// The API sometimes echoes the cursor transaction back. Anything
		// at or before the cursor instant has already been committed.
		if cursor != nil {
			if txn.TransactionID == cursor.TransactionID || !txn.Created.After(cursor.Created) {
				continue
			}
		}
		batch = append(batch, txn)
		if len(batch) >= maxCommitPerRun {
			utils.Warn("transaction commit cap reached, deferring remainder",
				slog.String("account_id", accountID),
				slog.Int("cap", maxCommitPerRun),
			)
			break
		}
	}

	committed, err := e.repos.Transactions.InsertBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	e.metrics.RecordTransactionsCommitted(committed)

	// Re-read the committed cursor rather than trusting the fetched
	// batch: the insert skips duplicates and the cap may have trimmed the
	// tail.
	latest, err := e.repos.Transactions.Latest(ctx, accountID, userID)
	switch {
	case err == nil:
		e.setCursor(accountID, userID, latest)
	case !errors.Is(err, domain.ErrNotFound):
		utils.Warn("failed to re-read transaction cursor",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
	return committed, nil
}
