package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// potMove is one deposit or withdraw the fake bank accepted.
type potMove struct {
	op        string // "deposit" or "withdraw"
	potID     string
	accountID string
	amount    int64
	dedupe    string
}

// testBank serves the pot and balance endpoints the executors touch and
// records every transfer leg in arrival order.
type testBank struct {
	mu      sync.Mutex
	pots    []monzo.APIPot
	balance int64
	moves   []potMove

	// failPots rejects transfer legs touching these pot ids.
	failPots map[string]bool
}

func (b *testBank) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pots", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		resp := struct {
			Pots []monzo.APIPot `json:"pots"`
		}{Pots: b.pots}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("GET /balance", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		fmt.Fprintf(w, `{"balance":%d,"total_balance":%d,"currency":"GBP"}`, b.balance, b.balance)
	})
	mux.HandleFunc("PUT /pots/{pot}/deposit", func(w http.ResponseWriter, r *http.Request) {
		b.recordMove(w, r, "deposit", r.PathValue("pot"), r.PostFormValue("source_account_id"))
	})
	mux.HandleFunc("PUT /pots/{pot}/withdraw", func(w http.ResponseWriter, r *http.Request) {
		b.recordMove(w, r, "withdraw", r.PathValue("pot"), r.PostFormValue("destination_account_id"))
	})
	return mux
}

func (b *testBank) recordMove(w http.ResponseWriter, r *http.Request, op, potID, accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPots[potID] {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":"forbidden.pot_locked","message":"pot cannot be modified"}`)
		return
	}
	amount, _ := strconv.ParseInt(r.PostFormValue("amount"), 10, 64)
	b.moves = append(b.moves, potMove{
		op:        op,
		potID:     potID,
		accountID: accountID,
		amount:    amount,
		dedupe:    r.PostFormValue("dedupe_id"),
	})
	fmt.Fprint(w, `{}`)
}

func (b *testBank) deposits() []potMove {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []potMove
	for _, m := range b.moves {
		if m.op == "deposit" {
			out = append(out, m)
		}
	}
	return out
}

func (b *testBank) moveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.moves)
}

type stubTokenStore struct{}

func (stubTokenStore) SaveTokens(ctx context.Context, userID string, tok *monzo.TokenResponse) error {
	return nil
}
func (stubTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error { return nil }

// newBankClient spins up the fake bank and returns a client pointed at it.
func newBankClient(t *testing.T, bank *testBank) *monzo.Client {
	t.Helper()
	server := httptest.NewServer(bank.handler())
	t.Cleanup(server.Close)

	factory := monzo.NewFactory(server.URL, stubTokenStore{}, utils.NewMetricsCollector())
	return factory.ForUser(&domain.User{
		MonzoUserID:  "user_1",
		AccessToken:  "access_1",
		RefreshToken: "refresh_1",
		ClientID:     "client_1",
		ClientSecret: "secret_1",
	})
}

// memIntents implements repository.IntentsRepo in memory.
type memIntents struct {
	mu      sync.Mutex
	created []*domain.TransferIntent
	states  map[uuid.UUID][]domain.IntentState
}

func newMemIntents() *memIntents {
	return &memIntents{states: make(map[uuid.UUID][]domain.IntentState)}
}

func (m *memIntents) Create(ctx context.Context, intent *domain.TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	m.created = append(m.created, &cp)
	return nil
}

func (m *memIntents) SetState(ctx context.Context, intentID uuid.UUID, state domain.IntentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[intentID] = append(m.states[intentID], state)
	return nil
}

func (m *memIntents) ListIncomplete(ctx context.Context) ([]*domain.TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TransferIntent
	for _, intent := range m.created {
		states := m.states[intent.IntentID]
		if len(states) == 0 || states[len(states)-1] != domain.IntentDone {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (m *memIntents) Delete(ctx context.Context, intentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, intent := range m.created {
		if intent.IntentID == intentID {
			m.created = append(m.created[:i], m.created[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// statesFor returns the state transitions recorded for the nth intent.
func (m *memIntents) statesFor(n int) []domain.IntentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= len(m.created) {
		return nil
	}
	return m.states[m.created[n].IntentID]
}

// stubPots implements repository.PotsRepo over a fixed name index.
type stubPots struct {
	byName map[string]*domain.Pot
}

func (s *stubPots) Upsert(ctx context.Context, pot *domain.Pot) error { return nil }

func (s *stubPots) GetByID(ctx context.Context, potID string) (*domain.Pot, error) {
	for _, pot := range s.byName {
		if pot.PotID == potID {
			return pot, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *stubPots) GetByName(ctx context.Context, monzoUserID, name string) (*domain.Pot, error) {
	if pot, ok := s.byName[name]; ok {
		return pot, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubPots) ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (s *stubPots) ListForAccount(ctx context.Context, accountID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (s *stubPots) MarkDeleted(ctx context.Context, potID string) error { return nil }

// stubBills implements repository.BillsRepo with a fixed spending sum.
type stubBills struct {
	outgoing int64
	err      error
}

func (s *stubBills) UpsertBatch(ctx context.Context, txns []*domain.BillsPotTransaction) (int, error) {
	return 0, nil
}

func (s *stubBills) Latest(ctx context.Context, potID string) (*domain.BillsPotTransaction, error) {
	return nil, domain.ErrNotFound
}

func (s *stubBills) SumOutgoingSince(ctx context.Context, monzoUserID, potID string, since time.Time) (int64, error) {
	return s.outgoing, s.err
}

var _ repository.IntentsRepo = (*memIntents)(nil)
var _ repository.PotsRepo = (*stubPots)(nil)
var _ repository.BillsRepo = (*stubBills)(nil)

func mustConfig(t *testing.T, cfg interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return raw
}

func testRule(t *testing.T, family domain.RuleFamily, cfg interface{}) *domain.Rule {
	t.Helper()
	return &domain.Rule{
		RuleID:      "rule_1",
		MonzoUserID: "user_1",
		Family:      family,
		Name:        "test rule",
		Enabled:     true,
		Config:      mustConfig(t, cfg),
	}
}
