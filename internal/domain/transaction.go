package domain

import "time"

// Transaction is one posted bank transaction. Amount is signed minor
// units; negative means outflow. Rows are append-only: after commit only
// the settled timestamp and metadata may change.
type Transaction struct {
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	AccountID     string     `json:"account_id" db:"account_id"`
	MonzoUserID   string     `json:"monzo_user_id" db:"monzo_user_id"`
	Created       time.Time  `json:"created" db:"created"`
	Settled       *time.Time `json:"settled,omitempty" db:"settled"`
	Amount        int64      `json:"amount" db:"amount"`
	Currency      string     `json:"currency" db:"currency"`
	Description   string     `json:"description" db:"description"`
	Category      string     `json:"category" db:"category"`
	Merchant      string     `json:"merchant,omitempty" db:"merchant"`
	Notes         string     `json:"notes,omitempty" db:"notes"`
	IsLoad        bool       `json:"is_load" db:"is_load"`
	// Metadata is the raw bank metadata blob.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`
	// PotCurrentID is extracted from metadata when the transaction is
	// attributable to a specific pot.
	PotCurrentID string `json:"pot_current_id,omitempty" db:"pot_current_id"`
}

// IsOutflow reports whether the transaction moved money out.
func (t *Transaction) IsOutflow() bool {
	return t.Amount < 0
}

// BillsTransactionType classifies a bills-pot transaction.
type BillsTransactionType string

const (
	BillsTypeSubscription BillsTransactionType = "subscription"
	BillsTypePotTransfer  BillsTransactionType = "pot_transfer"
	BillsTypeOther        BillsTransactionType = "other"
)

// BillsPotTransaction is the denormalized mirror of a transaction that
// flowed through a bills pot. Bills-spending analytics need to separate
// real outflows from internal transfers, and the classification is too
// expensive to recompute on every read.
type BillsPotTransaction struct {
	TransactionID   string               `json:"transaction_id" db:"transaction_id"`
	PotID           string               `json:"pot_id" db:"pot_id"`
	MonzoUserID     string               `json:"monzo_user_id" db:"monzo_user_id"`
	Created         time.Time            `json:"created" db:"created"`
	Amount          int64                `json:"amount" db:"amount"`
	Description     string               `json:"description" db:"description"`
	TransactionType BillsTransactionType `json:"transaction_type" db:"transaction_type"`
	IsPotWithdrawal bool                 `json:"is_pot_withdrawal" db:"is_pot_withdrawal"`
}
