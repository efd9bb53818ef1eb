package domain

import "time"

// Account mirrors one bank account for one user.
type Account struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	MonzoUserID string    `json:"monzo_user_id" db:"monzo_user_id"`
	Description string    `json:"description" db:"description"`
	Type        string    `json:"type" db:"type"`
	Created     time.Time `json:"created" db:"created"`
	Closed      bool      `json:"closed" db:"closed"`
	// SyncEnabled gates participation in the sync loop independently of
	// the bank-side closed flag.
	SyncEnabled  bool       `json:"sync_enabled" db:"sync_enabled"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
}

// Syncable reports whether the account should be included in a sync run.
func (a *Account) Syncable() bool {
	return a.SyncEnabled && !a.Closed
}
