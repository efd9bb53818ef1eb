package syncer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/utils"
)

// billsChunk slices the first-run history window so no single call holds
// a connection long enough to time out.
const billsChunk = 10 * 24 * time.Hour

// potTransferPrefix marks descriptions generated by internal pot moves.
const potTransferPrefix = "pot_"

// defaultSubscriptionMerchants seeds the classifier. Matching is
// case-insensitive substring on the description.
var defaultSubscriptionMerchants = []string{
	"netflix", "spotify", "disney", "amazon prime", "apple.com",
	"youtube", "audible", "now tv",
}

// SetSubscriptionMerchants overrides the merchant set used to classify
// bills-pot transactions as subscriptions. Empty keeps the default.
func (e *Engine) SetSubscriptionMerchants(merchants []string) {
	if len(merchants) > 0 {
		e.subscriptionMerchants = merchants
	}
}

func (e *Engine) merchantSet() []string {
	if len(e.subscriptionMerchants) > 0 {
		return e.subscriptionMerchants
	}
	return defaultSubscriptionMerchants
}

// syncBillsPots pulls transactions posted directly against each bills
// pot, classifies them and writes the bills mirror. The general
// transaction mirror is untouched.
func (e *Engine) syncBillsPots(ctx context.Context, client *monzo.Client, userID string) error {
	pots, err := e.repos.Categories.PotsInCategory(ctx, userID, domain.CategoryBills)
	if err != nil {
		return err
	}

	for _, pot := range pots {
		if pot.PotCurrentID == "" {
			utils.Debug("bills pot has no current account id, skipping",
				slog.String("pot_id", pot.PotID))
			continue
		}
		if err := e.syncBillsPot(ctx, client, userID, pot); err != nil {
			utils.Error("failed to sync bills pot",
				slog.String("pot_id", pot.PotID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (e *Engine) syncBillsPot(ctx context.Context, client *monzo.Client, userID string, pot *domain.Pot) error {
	cursor, err := e.repos.Bills.Latest(ctx, pot.PotID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	var fetched []monzo.APITransaction
	if cursor == nil {
		fetched, err = e.fetchBillsHistory(ctx, client, pot.PotCurrentID)
	} else {
		before := time.Now().UTC()
		fetched, err = client.GetTransactions(ctx, pot.PotCurrentID, monzo.TransactionParams{
			Since:        cursor.TransactionID,
			Before:       &before,
			AutoPaginate: true,
		})
	}
	if err != nil {
		return err
	}

	batch := make([]*domain.BillsPotTransaction, 0, len(fetched))
	for i := range fetched {
		txn := &fetched[i]
		if cursor != nil && txn.ID == cursor.TransactionID {
			continue
		}
		batch = append(batch, &domain.BillsPotTransaction{
			TransactionID:   txn.ID,
			PotID:           pot.PotID,
			MonzoUserID:     userID,
			Created:         txn.Created.UTC(),
			Amount:          txn.Amount,
			Description:     txn.Description,
			TransactionType: e.classifyBillsTransaction(txn.Description),
			IsPotWithdrawal: txn.IsPotWithdrawal(),
		})
	}

	written, err := e.repos.Bills.UpsertBatch(ctx, batch)
	if err != nil {
		return err
	}
	if written > 0 {
		utils.Debug("bills pot synced",
			slog.String("pot_id", pot.PotID),
			slog.Int("written", written),
		)
	}
	return nil
}

// fetchBillsHistory walks the full history window in ten-day slices.
func (e *Engine) fetchBillsHistory(ctx context.Context, client *monzo.Client, potCurrentID string) ([]monzo.APITransaction, error) {
	now := time.Now().UTC()
	start := now.Add(-firstSyncWindow)

	var all []monzo.APITransaction
	for from := start; from.Before(now); from = from.Add(billsChunk) {
		to := from.Add(billsChunk)
		if to.After(now) {
			to = now
		}
		page, err := client.GetTransactions(ctx, potCurrentID, monzo.TransactionParams{
			Since:        from.Format(time.RFC3339),
			Before:       &to,
			AutoPaginate: true,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

func (e *Engine) classifyBillsTransaction(description string) domain.BillsTransactionType {
	if strings.HasPrefix(description, potTransferPrefix) {
		return domain.BillsTypePotTransfer
	}
	lower := strings.ToLower(description)
	for _, merchant := range e.merchantSet() {
		if strings.Contains(lower, merchant) {
			return domain.BillsTypeSubscription
		}
	}
	return domain.BillsTypeOther
}
