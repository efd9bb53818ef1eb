package domain

import (
	"time"

	"github.com/google/uuid"
)

// IntentState tracks how far a two-leg pot-to-pot transfer has advanced.
type IntentState string

const (
	// IntentPending means neither leg has been attempted.
	IntentPending IntentState = "pending"
	// IntentWithdrawn means the withdraw leg landed but the deposit has not.
	IntentWithdrawn IntentState = "withdrawn"
	// IntentDone means both legs completed.
	IntentDone IntentState = "done"
)

// TransferIntent records a two-leg transfer before the first leg runs.
// The two legs are not atomic at the bank; a crash between them leaves
// money parked in the account. The startup scan finds intents stuck in
// the withdrawn state and completes or reports them.
type TransferIntent struct {
	IntentID    uuid.UUID   `json:"intent_id" db:"intent_id"`
	RuleID      string      `json:"rule_id" db:"rule_id"`
	MonzoUserID string      `json:"monzo_user_id" db:"monzo_user_id"`
	SourcePotID string      `json:"source_pot_id,omitempty" db:"source_pot_id"`
	TargetPotID string      `json:"target_pot_id,omitempty" db:"target_pot_id"`
	AccountID   string      `json:"account_id" db:"account_id"`
	Amount      int64       `json:"amount" db:"amount"`
	DedupeBase  string      `json:"dedupe_base" db:"dedupe_base"`
	State       IntentState `json:"state" db:"state"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// NewTransferIntent builds a pending intent for one logical transfer.
func NewTransferIntent(ruleID, userID, sourcePot, targetPot, accountID string, amount int64, dedupeBase string) *TransferIntent {
	now := time.Now().UTC()
	return &TransferIntent{
		IntentID:    uuid.New(),
		RuleID:      ruleID,
		MonzoUserID: userID,
		SourcePotID: sourcePot,
		TargetPotID: targetPot,
		AccountID:   accountID,
		Amount:      amount,
		DedupeBase:  dedupeBase,
		State:       IntentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
