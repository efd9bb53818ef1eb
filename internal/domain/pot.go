package domain

import (
	"fmt"
	"time"
)

// Pot is a named sub-balance within an account. Balance and Goal are in
// minor currency units.
type Pot struct {
	PotID       string `json:"pot_id" db:"pot_id"`
	AccountID   string `json:"account_id" db:"account_id"`
	MonzoUserID string `json:"monzo_user_id" db:"monzo_user_id"`
	Name        string `json:"name" db:"name"`
	Style       string `json:"style" db:"style"`
	Balance     int64  `json:"balance" db:"balance"`
	Currency    string `json:"currency" db:"currency"`
	// Goal is the savings target in minor units; 0 means no goal.
	Goal int64 `json:"goal" db:"goal"`
	// PotCurrentID is the account-like identifier the bank API uses for
	// listing transactions posted against this pot. Distinct from PotID.
	PotCurrentID string    `json:"pot_current_id,omitempty" db:"pot_current_id"`
	Deleted      bool      `json:"deleted" db:"deleted"`
	Created      time.Time `json:"created" db:"created"`
	Updated      time.Time `json:"updated" db:"updated"`
}

// GoalRemaining returns the space left under the pot's goal, or -1 when
// no goal is set.
func (p *Pot) GoalRemaining() int64 {
	if p.Goal <= 0 {
		return -1
	}
	remaining := p.Goal - p.Balance
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PotCategory is the closed tag set for pot classification. All
// categorical lookups go through UserPotCategory rows; pot names are
// never interpreted.
type PotCategory string

const (
	CategoryBills      PotCategory = "bills"
	CategorySavings    PotCategory = "savings"
	CategoryHolding    PotCategory = "holding"
	CategorySpending   PotCategory = "spending"
	CategoryEmergency  PotCategory = "emergency"
	CategoryInvestment PotCategory = "investment"
	CategoryCustom     PotCategory = "custom"
)

// Valid reports whether the category is a member of the closed set.
func (c PotCategory) Valid() bool {
	switch c {
	case CategoryBills, CategorySavings, CategoryHolding, CategorySpending,
		CategoryEmergency, CategoryInvestment, CategoryCustom:
		return true
	}
	return false
}

// UserPotCategory assigns a pot to a category for one user.
type UserPotCategory struct {
	MonzoUserID string      `json:"monzo_user_id" db:"monzo_user_id"`
	PotID       string      `json:"pot_id" db:"pot_id"`
	Category    PotCategory `json:"category" db:"category"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Validate checks the assignment refers to a real category.
func (u *UserPotCategory) Validate() error {
	if u.MonzoUserID == "" || u.PotID == "" {
		return fmt.Errorf("monzo_user_id and pot_id are required")
	}
	if !u.Category.Valid() {
		return fmt.Errorf("invalid pot category: %s", u.Category)
	}
	return nil
}
