// Package monzo is a thin typed wrapper over the Monzo REST API.
package monzo

import (
	"encoding/json"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
)

// Metadata keys the core cares about.
const (
	metadataPotCurrentID    = "pot_current_id"
	metadataPotWithdrawalID = "pot_withdrawal_id"
	metadataPotID           = "pot_id"
)

// TokenResponse is the bank's OAuth token payload, returned by both the
// code exchange and the refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// WhoamiResponse identifies the authenticated user.
type WhoamiResponse struct {
	Authenticated bool   `json:"authenticated"`
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
}

// APIAccount is one account as returned by /accounts.
type APIAccount struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Created     time.Time `json:"created"`
	Closed      bool      `json:"closed"`
}

// ToDomain converts to the local mirror representation. All timestamps
// are coerced to UTC here; this is the single ingestion point.
func (a *APIAccount) ToDomain(userID string) *domain.Account {
	return &domain.Account{
		AccountID:   a.ID,
		MonzoUserID: userID,
		Description: a.Description,
		Type:        a.Type,
		Created:     a.Created.UTC(),
		Closed:      a.Closed,
		SyncEnabled: true,
	}
}

// APIPot is one pot as returned by /pots.
type APIPot struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Style    string    `json:"style"`
	Balance  int64     `json:"balance"`
	Currency string    `json:"currency"`
	Goal     int64     `json:"goal_amount"`
	Deleted  bool      `json:"deleted"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	// CurrentAccountID is the account-like identifier used to list
	// transactions posted against the pot.
	CurrentAccountID string `json:"current_account_id"`
}

// ToDomain converts to the local mirror representation.
func (p *APIPot) ToDomain(accountID, userID string) *domain.Pot {
	return &domain.Pot{
		PotID:        p.ID,
		AccountID:    accountID,
		MonzoUserID:  userID,
		Name:         p.Name,
		Style:        p.Style,
		Balance:      p.Balance,
		Currency:     p.Currency,
		Goal:         p.Goal,
		PotCurrentID: p.CurrentAccountID,
		Deleted:      p.Deleted,
		Created:      p.Created.UTC(),
		Updated:      p.Updated.UTC(),
	}
}

// APIBalance is the /balance payload. Amounts in minor units.
type APIBalance struct {
	Balance      int64  `json:"balance"`
	TotalBalance int64  `json:"total_balance"`
	Currency     string `json:"currency"`
	SpendToday   int64  `json:"spend_today"`
}

// apiMerchant tolerates the merchant field being either an expanded
// object or a bare id string.
type apiMerchant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APITransaction is one transaction as returned by /transactions.
// Settled is a string because the bank sends "" for unsettled rows.
type APITransaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Created     time.Time         `json:"created"`
	Settled     string            `json:"settled"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Category    string            `json:"category"`
	Notes       string            `json:"notes"`
	IsLoad      bool              `json:"is_load"`
	Merchant    json.RawMessage   `json:"merchant"`
	Metadata    map[string]string `json:"metadata"`
}

// SettledTime parses the settled timestamp, nil when unsettled.
func (t *APITransaction) SettledTime() *time.Time {
	if t.Settled == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, t.Settled)
	if err != nil {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

// MerchantName extracts the merchant display name or bare id.
func (t *APITransaction) MerchantName() string {
	if len(t.Merchant) == 0 || string(t.Merchant) == "null" {
		return ""
	}
	var m apiMerchant
	if err := json.Unmarshal(t.Merchant, &m); err == nil && (m.Name != "" || m.ID != "") {
		if m.Name != "" {
			return m.Name
		}
		return m.ID
	}
	var id string
	if err := json.Unmarshal(t.Merchant, &id); err == nil {
		return id
	}
	return ""
}

// PotCurrentID extracts the pot attribution from metadata, if present.
func (t *APITransaction) PotCurrentID() string {
	if t.Metadata == nil {
		return ""
	}
	if id := t.Metadata[metadataPotCurrentID]; id != "" {
		return id
	}
	return t.Metadata[metadataPotID]
}

// IsPotWithdrawal reports whether metadata marks a pot withdrawal.
func (t *APITransaction) IsPotWithdrawal() bool {
	if t.Metadata == nil {
		return false
	}
	_, ok := t.Metadata[metadataPotWithdrawalID]
	return ok
}

// ToDomain converts to the local mirror representation.
func (t *APITransaction) ToDomain(userID string) *domain.Transaction {
	return &domain.Transaction{
		TransactionID: t.ID,
		AccountID:     t.AccountID,
		MonzoUserID:   userID,
		Created:       t.Created.UTC(),
		Settled:       t.SettledTime(),
		Amount:        t.Amount,
		Currency:      t.Currency,
		Description:   t.Description,
		Category:      t.Category,
		Merchant:      t.MerchantName(),
		Notes:         t.Notes,
		IsLoad:        t.IsLoad,
		Metadata:      t.Metadata,
		PotCurrentID:  t.PotCurrentID(),
	}
}

// TransactionParams narrows a /transactions query. Since may be either a
// transaction id (incremental cursor) or an RFC3339 timestamp.
type TransactionParams struct {
	Since        string
	Before       *time.Time
	AutoPaginate bool
}

// apiError is the bank's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Error_  string `json:"error"`
	Message string `json:"message"`
}
