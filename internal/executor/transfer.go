// Package executor implements the money-moving side of the three rule
// families. All bank mutations flow through TransferService so every
// multi-leg move is journaled before the first leg runs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// ClientFunc resolves a bank client for a user. Wired from the token
// store and client factory at startup.
type ClientFunc func(ctx context.Context, userID string) (*monzo.Client, error)

// TransferService executes one- and two-leg pot transfers. Pot-to-pot
// moves are not atomic at the bank: the withdraw leg parks money in the
// account until the deposit leg lands. An intent row written before the
// first leg makes a crash between legs recoverable.
type TransferService struct {
	intents repository.IntentsRepo
}

// NewTransferService creates a transfer service.
func NewTransferService(intents repository.IntentsRepo) *TransferService {
	return &TransferService{intents: intents}
}

// AccountToPot deposits from an account into a pot, one leg.
func (s *TransferService) AccountToPot(ctx context.Context, client *monzo.Client, ruleID, userID, accountID, potID string, amount int64, dedupeID string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	intent := domain.NewTransferIntent(ruleID, userID, "", potID, accountID, amount, dedupeID)
	if err := s.intents.Create(ctx, intent); err != nil {
		return fmt.Errorf("failed to journal transfer intent: %w", err)
	}

	if err := client.DepositToPot(ctx, potID, accountID, amount, dedupeID); err != nil {
		return err
	}
	return s.markDone(ctx, intent)
}

// PotToAccount withdraws from a pot into an account, one leg.
func (s *TransferService) PotToAccount(ctx context.Context, client *monzo.Client, ruleID, userID, accountID, potID string, amount int64, dedupeID string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	intent := domain.NewTransferIntent(ruleID, userID, potID, "", accountID, amount, dedupeID)
	if err := s.intents.Create(ctx, intent); err != nil {
		return fmt.Errorf("failed to journal transfer intent: %w", err)
	}

	if err := client.WithdrawFromPot(ctx, potID, accountID, amount, dedupeID); err != nil {
		return err
	}
	return s.markDone(ctx, intent)
}

// PotToPot moves amount between two pots as withdraw-then-deposit via the
// owning account. The legs share a dedupe base suffixed per leg. On
// withdraw failure the deposit is never attempted.
func (s *TransferService) PotToPot(ctx context.Context, client *monzo.Client, ruleID, userID, accountID, sourcePotID, targetPotID string, amount int64, dedupeBase string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	intent := domain.NewTransferIntent(ruleID, userID, sourcePotID, targetPotID, accountID, amount, dedupeBase)
	if err := s.intents.Create(ctx, intent); err != nil {
		return fmt.Errorf("failed to journal transfer intent: %w", err)
	}

	if err := client.WithdrawFromPot(ctx, sourcePotID, accountID, amount, dedupeBase+"_withdraw"); err != nil {
		return fmt.Errorf("withdraw leg failed: %w", err)
	}
	if err := s.intents.SetState(ctx, intent.IntentID, domain.IntentWithdrawn); err != nil {
		utils.Warn("failed to advance intent to withdrawn",
			slog.String("intent_id", intent.IntentID.String()),
			slog.String("error", err.Error()),
		)
	}

	if err := client.DepositToPot(ctx, targetPotID, accountID, amount, dedupeBase+"_deposit"); err != nil {
		// Money is parked in the account; the intent row stays in the
		// withdrawn state for the startup recovery scan.
		return fmt.Errorf("deposit leg failed after withdraw, amount parked in account: %w", err)
	}
	return s.markDone(ctx, intent)
}

func (s *TransferService) markDone(ctx context.Context, intent *domain.TransferIntent) error {
	if err := s.intents.SetState(ctx, intent.IntentID, domain.IntentDone); err != nil {
		utils.Warn("failed to mark intent done",
			slog.String("intent_id", intent.IntentID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// RecoverOrphanedIntents completes transfers interrupted between legs.
// Pending intents moved no money and are dropped; withdrawn intents
// retry the deposit leg with the original dedupe id, so a deposit that
// actually landed before the crash is suppressed by the bank.
func (s *TransferService) RecoverOrphanedIntents(ctx context.Context, clientFor ClientFunc) {
	intents, err := s.intents.ListIncomplete(ctx)
	if err != nil {
		utils.Error("failed to list incomplete transfer intents", slog.String("error", err.Error()))
		return
	}
	if len(intents) == 0 {
		return
	}

	utils.Info("recovering orphaned transfer intents", slog.Int("count", len(intents)))

	for _, intent := range intents {
		switch intent.State {
		case domain.IntentPending:
			if err := s.intents.Delete(ctx, intent.IntentID); err != nil {
				utils.Warn("failed to drop pending intent",
					slog.String("intent_id", intent.IntentID.String()),
					slog.String("error", err.Error()),
				)
			}
		case domain.IntentWithdrawn:
			s.recoverWithdrawn(ctx, clientFor, intent)
		}
	}
}

func (s *TransferService) recoverWithdrawn(ctx context.Context, clientFor ClientFunc, intent *domain.TransferIntent) {
	if intent.TargetPotID == "" {
		// A withdraw-only transfer that confirmed the leg but missed the
		// done stamp. Nothing left to move.
		_ = s.intents.SetState(ctx, intent.IntentID, domain.IntentDone)
		return
	}

	client, err := clientFor(ctx, intent.MonzoUserID)
	if err != nil {
		utils.Error("cannot recover intent, no client for user",
			slog.String("intent_id", intent.IntentID.String()),
			slog.String("user_id", intent.MonzoUserID),
			slog.String("error", err.Error()),
		)
		return
	}

	err = client.DepositToPot(ctx, intent.TargetPotID, intent.AccountID, intent.Amount, intent.DedupeBase+"_deposit")
	if err != nil && !errors.Is(err, domain.ErrBankTransient) {
		utils.Error("failed to complete orphaned transfer",
			slog.String("intent_id", intent.IntentID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err != nil {
		utils.Warn("transient failure recovering intent, will retry next startup",
			slog.String("intent_id", intent.IntentID.String()),
		)
		return
	}

	if err := s.intents.SetState(ctx, intent.IntentID, domain.IntentDone); err == nil {
		utils.Info("orphaned transfer completed",
			slog.String("intent_id", intent.IntentID.String()),
			slog.String("rule_id", intent.RuleID),
			slog.Int64("amount", intent.Amount),
		)
	}
}
