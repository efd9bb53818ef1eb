package automation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/repository"
)

type fakeTransactions struct {
	txns []*domain.Transaction
}

func (f *fakeTransactions) InsertBatch(ctx context.Context, txns []*domain.Transaction) (int, error) {
	return 0, nil
}

func (f *fakeTransactions) Latest(ctx context.Context, accountID, userID string) (*domain.Transaction, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeTransactions) GetByID(ctx context.Context, txnID, userID string) (*domain.Transaction, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeTransactions) ListSince(ctx context.Context, userID, accountID string, since time.Time) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, t := range f.txns {
		if !t.Created.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTransactions) UpdateSettlement(ctx context.Context, txnID, userID string, settled *time.Time, metadata map[string]string) error {
	return nil
}

type fakePots struct {
	pots map[string]*domain.Pot
}

func (f *fakePots) Upsert(ctx context.Context, pot *domain.Pot) error { return nil }

func (f *fakePots) GetByID(ctx context.Context, potID string) (*domain.Pot, error) {
	if p, ok := f.pots[potID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakePots) GetByName(ctx context.Context, userID, name string) (*domain.Pot, error) {
	for _, p := range f.pots {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakePots) ListForUser(ctx context.Context, userID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (f *fakePots) ListForAccount(ctx context.Context, accountID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (f *fakePots) MarkDeleted(ctx context.Context, potID string) error { return nil }

func newTestEvaluator(txns *fakeTransactions, pots *fakePots, at time.Time) *Evaluator {
	if txns == nil {
		txns = &fakeTransactions{}
	}
	if pots == nil {
		pots = &fakePots{pots: map[string]*domain.Pot{}}
	}
	ev := NewEvaluator(&repository.Repositories{
		Transactions: txns,
		Pots:         pots,
	}, nil)
	ev.now = func() time.Time { return at }
	return ev
}

func sweepRule(config string) *domain.Rule {
	return &domain.Rule{
		RuleID:      "rule_sweep",
		MonzoUserID: "user_1",
		Family:      domain.FamilySweep,
		Name:        "sweep",
		Enabled:     true,
		Config:      json.RawMessage(config),
	}
}

func autosorterRule(config string) *domain.Rule {
	return &domain.Rule{
		RuleID:      "rule_sorter",
		MonzoUserID: "user_1",
		Family:      domain.FamilyAutosorter,
		Name:        "sorter",
		Enabled:     true,
		Config:      json.RawMessage(config),
	}
}

func topupRule(config string) *domain.Rule {
	return &domain.Rule{
		RuleID:      "rule_topup",
		MonzoUserID: "user_1",
		Family:      domain.FamilyAutoTopup,
		Name:        "topup",
		Enabled:     true,
		Config:      json.RawMessage(config),
	}
}

const paydaySweepConfig = `{"version":1,"targetPotName":"Savings","triggerType":"payday_detection",
	"paydayThreshold":100000,"paydayDescriptionPattern":"ACME",
	"sources":[{"potName":"main account","strategy":"all_available","priority":1}]}`

func TestEvaluatePaydayDetection(t *testing.T) {
	now := time.Date(2026, time.August, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		txns []*domain.Transaction
		last *time.Time
		want bool
	}{
		{
			name: "salary credit fires",
			txns: []*domain.Transaction{{
				Description: "ACME PAYROLL",
				Amount:      250000,
				Created:     now.Add(-12 * time.Hour),
			}},
			want: true,
		},
		{
			name: "credit below threshold ignored",
			txns: []*domain.Transaction{{
				Description: "ACME PAYROLL",
				Amount:      50000,
				Created:     now.Add(-12 * time.Hour),
			}},
			want: false,
		},
		{
			name: "description pattern mismatch ignored",
			txns: []*domain.Transaction{{
				Description: "REFUND",
				Amount:      250000,
				Created:     now.Add(-12 * time.Hour),
			}},
			want: false,
		},
		{
			name: "cooldown suppresses repeat firing",
			txns: []*domain.Transaction{{
				Description: "ACME PAYROLL",
				Amount:      250000,
				Created:     now.Add(-12 * time.Hour),
			}},
			last: timePtr(now.Add(-2 * 24 * time.Hour)),
			want: false,
		},
		{
			name: "no transactions",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvaluator(&fakeTransactions{txns: tt.txns}, nil, now)
			rule := sweepRule(paydaySweepConfig)
			rule.LastExecutedAt = tt.last

			fire, reason, err := ev.Evaluate(context.Background(), nil, rule)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fire != tt.want {
				t.Errorf("fire = %v (%s), want %v", fire, reason, tt.want)
			}
		})
	}
}

func TestEvaluateSweepCalendarTriggers(t *testing.T) {
	// 2026-08-24 is a Monday.
	monday := time.Date(2026, time.August, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		config string
		want   bool
	}{
		{
			name: "monthly on trigger day",
			config: `{"version":1,"targetPotName":"Savings","triggerType":"monthly","triggerDay":24,
				"sources":[{"potName":"main account","strategy":"all_available","priority":1}]}`,
			want: true,
		},
		{
			name: "monthly off trigger day",
			config: `{"version":1,"targetPotName":"Savings","triggerType":"monthly","triggerDay":25,
				"sources":[{"potName":"main account","strategy":"all_available","priority":1}]}`,
			want: false,
		},
		{
			name: "weekly on monday",
			config: `{"version":1,"targetPotName":"Savings","triggerType":"weekly","triggerDay":1,
				"sources":[{"potName":"main account","strategy":"all_available","priority":1}]}`,
			want: true,
		},
		{
			name: "manual never fires",
			config: `{"version":1,"targetPotName":"Savings","triggerType":"manual",
				"sources":[{"potName":"main account","strategy":"all_available","priority":1}]}`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvaluator(nil, nil, monday)
			fire, reason, err := ev.Evaluate(context.Background(), nil, sweepRule(tt.config))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fire != tt.want {
				t.Errorf("fire = %v (%s), want %v", fire, reason, tt.want)
			}
		})
	}
}

func TestEvaluateAutosorterDateRange(t *testing.T) {
	config := `{"version":1,"holdingPotId":"pot_h","triggerType":"date_range","startDay":28,"endDay":3}`

	tests := []struct {
		day  int
		want bool
	}{
		{28, true},
		{31, true},
		{1, true},
		{3, true},
		{4, false},
		{27, false},
		{15, false},
	}

	for _, tt := range tests {
		now := time.Date(2026, time.August, tt.day, 10, 0, 0, 0, time.UTC)
		ev := newTestEvaluator(nil, nil, now)
		fire, reason, err := ev.Evaluate(context.Background(), nil, autosorterRule(config))
		if err != nil {
			t.Fatalf("day %d: unexpected error: %v", tt.day, err)
		}
		if fire != tt.want {
			t.Errorf("day %d: fire = %v (%s), want %v", tt.day, fire, reason, tt.want)
		}
	}
}

func TestEvaluateAutosorterTimeOfDay(t *testing.T) {
	config := `{"version":1,"holdingPotId":"pot_h","triggerType":"time_of_day",
		"paydayDate":24,"triggerHour":9,"triggerMinute":0}`

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"exact time", time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC), true},
		{"inside tolerance before", time.Date(2026, time.August, 24, 8, 15, 0, 0, time.UTC), true},
		{"inside tolerance after", time.Date(2026, time.August, 24, 9, 59, 0, 0, time.UTC), true},
		{"outside tolerance", time.Date(2026, time.August, 24, 11, 0, 0, 0, time.UTC), false},
		{"wrong day", time.Date(2026, time.August, 23, 9, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvaluator(nil, nil, tt.now)
			fire, reason, err := ev.Evaluate(context.Background(), nil, autosorterRule(config))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fire != tt.want {
				t.Errorf("fire = %v (%s), want %v", fire, reason, tt.want)
			}
		})
	}
}

func TestEvaluateAutosorterPaydayDateClamped(t *testing.T) {
	config := `{"version":1,"holdingPotId":"pot_h","triggerType":"payday_date","paydayDate":31}`

	// February has no day 31; the rule fires on the 28th instead.
	feb28 := time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC)
	ev := newTestEvaluator(nil, nil, feb28)
	fire, reason, err := ev.Evaluate(context.Background(), nil, autosorterRule(config))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fire {
		t.Errorf("fire = false (%s), want true on clamped payday date", reason)
	}
}

func TestEvaluateTopupTimeWithBalanceFloor(t *testing.T) {
	pots := &fakePots{pots: map[string]*domain.Pot{
		"pot_coffee": {PotID: "pot_coffee", AccountID: "acc_1", Name: "Coffee", Balance: 300},
	}}
	config := `{"version":1,"sourceAccountId":"acc_1","targetPotId":"pot_coffee","amount":2000,
		"triggerType":"daily","triggerHour":9,"triggerMinute":0,"minBalance":500}`

	t.Run("time matches and balance below floor", func(t *testing.T) {
		now := time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC)
		ev := newTestEvaluator(nil, pots, now)
		fire, reason, err := ev.Evaluate(context.Background(), nil, topupRule(config))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !fire {
			t.Errorf("fire = false (%s), want true", reason)
		}
	})

	t.Run("time matches but balance above floor", func(t *testing.T) {
		pots.pots["pot_coffee"].Balance = 5000
		defer func() { pots.pots["pot_coffee"].Balance = 300 }()

		now := time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC)
		ev := newTestEvaluator(nil, pots, now)
		fire, reason, err := ev.Evaluate(context.Background(), nil, topupRule(config))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fire {
			t.Errorf("fire = true (%s), want false when target is funded", reason)
		}
	})

	t.Run("wrong time never checks balance", func(t *testing.T) {
		now := time.Date(2026, time.August, 24, 14, 30, 0, 0, time.UTC)
		ev := newTestEvaluator(nil, pots, now)
		fire, _, err := ev.Evaluate(context.Background(), nil, topupRule(config))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fire {
			t.Error("fire = true outside the trigger time")
		}
	})
}

func TestEvaluateTopupBalanceThreshold(t *testing.T) {
	pots := &fakePots{pots: map[string]*domain.Pot{
		"pot_coffee": {PotID: "pot_coffee", AccountID: "acc_1", Name: "Coffee", Balance: 300},
	}}
	config := `{"version":1,"sourceAccountId":"acc_1","targetPotId":"pot_coffee","amount":2000,
		"triggerType":"balance_threshold","minBalance":500}`

	now := time.Date(2026, time.August, 24, 14, 0, 0, 0, time.UTC)
	ev := newTestEvaluator(nil, pots, now)

	fire, reason, err := ev.Evaluate(context.Background(), nil, topupRule(config))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fire {
		t.Errorf("fire = false (%s), want true at balance 300 vs floor 500", reason)
	}

	pots.pots["pot_coffee"].Balance = 800
	fire, reason, err = ev.Evaluate(context.Background(), nil, topupRule(config))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fire {
		t.Errorf("fire = true (%s), want false at balance 800", reason)
	}
}

func TestEvaluateTopupMinuteInterval(t *testing.T) {
	config := `{"version":1,"sourceAccountId":"acc_1","targetPotId":"pot_x","amount":2000,
		"triggerType":"minute","intervalMinutes":30}`
	pots := &fakePots{pots: map[string]*domain.Pot{
		"pot_x": {PotID: "pot_x", AccountID: "acc_1", Name: "X", Balance: 0},
	}}
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)

	t.Run("never executed fires", func(t *testing.T) {
		ev := newTestEvaluator(nil, pots, now)
		fire, reason, err := ev.Evaluate(context.Background(), nil, topupRule(config))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !fire {
			t.Errorf("fire = false (%s), want true", reason)
		}
	})

	t.Run("interval not yet elapsed", func(t *testing.T) {
		ev := newTestEvaluator(nil, pots, now)
		rule := topupRule(config)
		rule.LastExecutedAt = timePtr(now.Add(-10 * time.Minute))
		fire, _, err := ev.Evaluate(context.Background(), nil, rule)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fire {
			t.Error("fire = true only 10 minutes after last run")
		}
	})
}

func TestEvaluateTransactionTrigger(t *testing.T) {
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	txns := &fakeTransactions{txns: []*domain.Transaction{
		{
			Description: "NETFLIX.COM",
			Amount:      -1599,
			Category:    "entertainment",
			Merchant:    "Netflix",
			Created:     now.Add(-2 * time.Hour),
		},
	}}

	for _, tt := range []struct {
		name   string
		filter string
		want   bool
	}{
		{"description match", `{"descriptionContains":"netflix"}`, true},
		{"description mismatch", `{"descriptionContains":"spotify"}`, false},
		{"amount window match", `{"minAmount":1000,"maxAmount":2000}`, true},
		{"amount too small", `{"minAmount":5000}`, false},
		{"category match", `{"category":"ENTERTAINMENT"}`, true},
		{"merchant match", `{"merchant":"netflix"}`, true},
		{"combined filter mismatch", `{"descriptionContains":"netflix","minAmount":5000}`, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			config := `{"version":1,"holdingPotId":"pot_h","triggerType":"transaction_based","transactionFilter":` + tt.filter + `}`
			ev := newTestEvaluator(txns, nil, now)
			fire, reason, err := ev.Evaluate(context.Background(), nil, autosorterRule(config))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fire != tt.want {
				t.Errorf("fire = %v (%s), want %v", fire, reason, tt.want)
			}
		})
	}
}

func TestEvaluateTransactionTriggerNoFilter(t *testing.T) {
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	config := `{"version":1,"holdingPotId":"pot_h","triggerType":"transaction_based"}`
	ev := newTestEvaluator(nil, nil, now)
	fire, _, err := ev.Evaluate(context.Background(), nil, autosorterRule(config))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fire {
		t.Error("fire = true with no filter configured")
	}
}

func timePtr(t time.Time) *time.Time { return &t }
