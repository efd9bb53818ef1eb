package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
)

func autosorterFixture(outgoing int64) *Autosorter {
	return NewAutosorter(&stubPots{}, &stubBills{outgoing: outgoing}, NewTransferService(newMemIntents()))
}

func TestAutosorterUnderfundedHoldingIsRuleFailure(t *testing.T) {
	// Holding sits below the default reserve, so nothing is distributable.
	bank := &testBank{pots: []monzo.APIPot{
		{ID: "pot_hold", Name: "Holding", Balance: 5000},
	}}
	client := newBankClient(t, bank)
	sorter := autosorterFixture(0)

	rule := testRule(t, domain.FamilyAutosorter, domain.AutosorterConfig{
		HoldingPotID: "pot_hold",
		TriggerType:  domain.TriggerPaydayDate,
		PaydayDate:   28,
	})

	res, err := sorter.Execute(context.Background(), client, rule, "acc_1")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if res == nil || res.Reason != "no funds available for distribution" {
		t.Fatalf("result = %+v, want no-funds reason", res)
	}
	if res.TotalMoved != 0 {
		t.Errorf("total moved = %d, want 0", res.TotalMoved)
	}
	if bank.moveCount() != 0 {
		t.Errorf("bank moves = %d, want 0", bank.moveCount())
	}
}

func TestAutosorterPhaseOrder(t *testing.T) {
	bank := &testBank{pots: []monzo.APIPot{
		{ID: "pot_hold", Name: "Holding", Balance: 52000},
		{ID: "pot_bills", Name: "Bills", Balance: 0},
		{ID: "pot_rainy", Name: "Rainy Day", Balance: 0},
		{ID: "pot_goalx", Name: "Holiday", Balance: 0, Goal: 100000},
		{ID: "pot_inv", Name: "Index Fund", Balance: 0},
	}}
	client := newBankClient(t, bank)
	sorter := autosorterFixture(8000)

	rule := testRule(t, domain.FamilyAutosorter, domain.AutosorterConfig{
		HoldingPotID:      "pot_hold",
		BillsPotID:        "pot_bills",
		MinHoldingBalance: 2000,
		TriggerType:       domain.TriggerPaydayDate,
		PaydayDate:        28,
		PriorityPots: []domain.PotAllocation{
			{PotID: "pot_rainy", Amount: 5000, Priority: 1},
		},
		InvestmentPots: []domain.PotAllocation{
			{PotID: "pot_inv", Amount: 10000},
		},
	})

	res, err := sorter.Execute(context.Background(), client, rule, "acc_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Available != 50000 {
		t.Errorf("available = %d, want 50000 above the reserve", res.Available)
	}
	if res.TotalMoved != 50000 {
		t.Errorf("total moved = %d, want the full available amount", res.TotalMoved)
	}

	// Bills replenishment, priority, goal share, then investments with the
	// unused budget folded in.
	deposits := bank.deposits()
	want := []potMove{
		{op: "deposit", potID: "pot_bills", accountID: "acc_1", amount: 8000},
		{op: "deposit", potID: "pot_rainy", accountID: "acc_1", amount: 5000},
		{op: "deposit", potID: "pot_goalx", accountID: "acc_1", amount: 7400},
		{op: "deposit", potID: "pot_inv", accountID: "acc_1", amount: 29600},
	}
	if len(deposits) != len(want) {
		t.Fatalf("deposits = %+v, want 4 in phase order", deposits)
	}
	for i, w := range want {
		if deposits[i].potID != w.potID || deposits[i].amount != w.amount {
			t.Errorf("deposit[%d] = %s/%d, want %s/%d", i, deposits[i].potID, deposits[i].amount, w.potID, w.amount)
		}
	}

	phases := make([]string, len(res.Allocations))
	for i, alloc := range res.Allocations {
		phases[i] = alloc.Phase
	}
	wantPhases := []string{"bills", "priority", "goal", "investment"}
	for i, p := range wantPhases {
		if phases[i] != p {
			t.Errorf("allocation phases = %v, want %v", phases, wantPhases)
			break
		}
	}
}

func TestAutosorterBillsPotAsPriorityTargetGetsDistinctDedupes(t *testing.T) {
	// The bills pot receives twice in one run: once as replenishment and
	// once as a priority target. The bank must see two different ids or it
	// silently swallows the second transfer.
	bank := &testBank{pots: []monzo.APIPot{
		{ID: "pot_hold", Name: "Holding", Balance: 30000},
		{ID: "pot_bills", Name: "Bills", Balance: 0},
	}}
	client := newBankClient(t, bank)
	sorter := autosorterFixture(3000)

	rule := testRule(t, domain.FamilyAutosorter, domain.AutosorterConfig{
		HoldingPotID:      "pot_hold",
		BillsPotID:        "pot_bills",
		MinHoldingBalance: 2000,
		TriggerType:       domain.TriggerPaydayDate,
		PaydayDate:        28,
		PriorityPots: []domain.PotAllocation{
			{PotID: "pot_bills", Amount: 4000, Priority: 1},
		},
	})

	res, err := sorter.Execute(context.Background(), client, rule, "acc_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalMoved != 7000 {
		t.Errorf("total moved = %d, want 3000 replenishment plus 4000 priority", res.TotalMoved)
	}

	deposits := bank.deposits()
	if len(deposits) != 2 || deposits[0].amount != 3000 || deposits[1].amount != 4000 {
		t.Fatalf("deposits = %+v, want 3000 then 4000 into pot_bills", deposits)
	}
	if deposits[0].dedupe == deposits[1].dedupe {
		t.Fatalf("both transfers share dedupe id %q; the second would be swallowed", deposits[0].dedupe)
	}
	if !strings.Contains(deposits[0].dedupe, "_bills_") {
		t.Errorf("replenishment dedupe = %q, want the phase in the id", deposits[0].dedupe)
	}
	if !strings.Contains(deposits[1].dedupe, "_priority_") {
		t.Errorf("priority dedupe = %q, want the phase in the id", deposits[1].dedupe)
	}

	seen := make(map[string]bool)
	for _, m := range bank.moves {
		if seen[m.dedupe] {
			t.Errorf("dedupe id %q reused within one run", m.dedupe)
		}
		seen[m.dedupe] = true
	}
}

func TestRedistributeFillsBoundedSlotsProportionally(t *testing.T) {
	run := &autosorterRun{livePots: map[string]*monzo.APIPot{
		"pot_b": {ID: "pot_b", Balance: 1000, Goal: 5000},
	}}
	a := &Autosorter{}

	allocations := []domain.PotAllocation{
		{PotID: "pot_a", MaxAllocation: 3000, Priority: 2},
		{PotID: "pot_b", Priority: 3},
		{PotID: "pot_c", Priority: 1},
	}

	planned := []int64{1000, 1000, 0}
	a.redistribute(run, allocations, planned, 4000)
	if planned[0] != 2600 || planned[1] != 3400 || planned[2] != 0 {
		t.Errorf("planned = %v, want [2600 3400 0] (proportional to remaining space)", planned)
	}

	planned = []int64{1000, 1000, 0}
	a.redistribute(run, allocations, planned, 8000)
	if planned[0] != 3000 || planned[1] != 4000 {
		t.Errorf("planned = %v, want bounded slots capped at [3000 4000]", planned)
	}
	if planned[2] != 3000 {
		t.Errorf("free slot got %d, want the 3000 overflow", planned[2])
	}
}

func TestRedistributePrefersHighestPriorityFreeSlot(t *testing.T) {
	run := &autosorterRun{livePots: map[string]*monzo.APIPot{}}
	a := &Autosorter{}

	allocations := []domain.PotAllocation{
		{PotID: "pot_d", Priority: 5},
		{PotID: "pot_e", Priority: 2},
	}
	planned := []int64{0, 0}
	a.redistribute(run, allocations, planned, 500)
	if planned[0] != 0 || planned[1] != 500 {
		t.Errorf("planned = %v, want the lower priority value to take the remainder", planned)
	}
}
