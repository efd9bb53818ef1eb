package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/token"
	"github.com/potmatic/potmatic/internal/utils"
)

type memUsers struct{}

func (memUsers) Upsert(ctx context.Context, user *domain.User) error { return nil }
func (memUsers) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	return nil, domain.ErrNotFound
}
func (memUsers) List(ctx context.Context) ([]*domain.User, error) { return nil, nil }
func (memUsers) UpdateTokens(ctx context.Context, userID, access, refresh, tokenType string, expiresIn int, acquiredAt time.Time) error {
	return nil
}
func (memUsers) SetNeedsReauth(ctx context.Context, userID string, needs bool) error { return nil }

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func (m *memAccounts) Upsert(ctx context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.AccountID] = account
	return nil
}

func (m *memAccounts) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memAccounts) ListForUser(ctx context.Context, userID string) ([]*domain.Account, error) {
	return m.ListSyncable(ctx, userID)
}

func (m *memAccounts) ListSyncable(ctx context.Context, userID string) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Account
	for _, a := range m.accounts {
		if a.MonzoUserID == userID && a.Syncable() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAccounts) SetLastSynced(ctx context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		a.LastSyncedAt = &at
	}
	return nil
}

type memPots struct {
	mu   sync.Mutex
	pots map[string]*domain.Pot
}

func (m *memPots) Upsert(ctx context.Context, pot *domain.Pot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pots[pot.PotID] = pot
	return nil
}

func (m *memPots) GetByID(ctx context.Context, potID string) (*domain.Pot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pots[potID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memPots) GetByName(ctx context.Context, userID, name string) (*domain.Pot, error) {
	return nil, domain.ErrNotFound
}

func (m *memPots) ListForUser(ctx context.Context, userID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (m *memPots) ListForAccount(ctx context.Context, accountID string) ([]*domain.Pot, error) {
	return nil, nil
}

func (m *memPots) MarkDeleted(ctx context.Context, potID string) error { return nil }

type memCategories struct{}

func (memCategories) Assign(ctx context.Context, a *domain.UserPotCategory) error { return nil }
func (memCategories) Remove(ctx context.Context, userID, potID string) error      { return nil }
func (memCategories) ListForUser(ctx context.Context, userID string) ([]*domain.UserPotCategory, error) {
	return nil, nil
}
func (memCategories) PotsInCategory(ctx context.Context, userID string, c domain.PotCategory) ([]*domain.Pot, error) {
	return nil, nil
}

type memTransactions struct {
	mu   sync.Mutex
	txns map[string]*domain.Transaction
}

func (m *memTransactions) InsertBatch(ctx context.Context, txns []*domain.Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, t := range txns {
		key := t.TransactionID + "/" + t.MonzoUserID
		if _, exists := m.txns[key]; exists {
			continue
		}
		m.txns[key] = t
		inserted++
	}
	return inserted, nil
}

func (m *memTransactions) Latest(ctx context.Context, accountID, userID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*domain.Transaction
	for _, t := range m.txns {
		if t.AccountID == accountID && t.MonzoUserID == userID {
			all = append(all, t)
		}
	}
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Created.Equal(all[j].Created) {
			return all[i].Created.After(all[j].Created)
		}
		return all[i].TransactionID > all[j].TransactionID
	})
	return all[0], nil
}

func (m *memTransactions) GetByID(ctx context.Context, txnID, userID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txns[txnID+"/"+userID]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memTransactions) ListSince(ctx context.Context, userID, accountID string, since time.Time) ([]*domain.Transaction, error) {
	return nil, nil
}

func (m *memTransactions) UpdateSettlement(ctx context.Context, txnID, userID string, settled *time.Time, metadata map[string]string) error {
	return nil
}

type memBills struct{}

func (memBills) UpsertBatch(ctx context.Context, txns []*domain.BillsPotTransaction) (int, error) {
	return len(txns), nil
}
func (memBills) Latest(ctx context.Context, potID string) (*domain.BillsPotTransaction, error) {
	return nil, domain.ErrNotFound
}
func (memBills) SumOutgoingSince(ctx context.Context, userID, potID string, since time.Time) (int64, error) {
	return 0, nil
}

type noopTokenStore struct{}

func (noopTokenStore) SaveTokens(ctx context.Context, userID string, tok *monzo.TokenResponse) error {
	return nil
}
func (noopTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error { return nil }

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *repository.Repositories, *monzo.Client) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	repos := &repository.Repositories{
		Users:        memUsers{},
		Accounts:     &memAccounts{accounts: make(map[string]*domain.Account)},
		Pots:         &memPots{pots: make(map[string]*domain.Pot)},
		Categories:   memCategories{},
		Transactions: &memTransactions{txns: make(map[string]*domain.Transaction)},
		Bills:        memBills{},
	}

	factory := monzo.NewFactory(server.URL, noopTokenStore{}, utils.NewMetricsCollector())
	client := factory.ForUser(&domain.User{
		MonzoUserID: "user_1",
		AccessToken: "access",
	})

	tokens := token.NewStore(repos.Users, nil)
	engine := NewEngine(repos, tokens, factory, nil, utils.NewMetricsCollector())
	return engine, repos, client
}

func seedAccount(t *testing.T, repos *repository.Repositories) {
	t.Helper()
	err := repos.Accounts.Upsert(context.Background(), &domain.Account{
		AccountID:   "acc_1",
		MonzoUserID: "user_1",
		Type:        "uk_retail",
		SyncEnabled: true,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

// bankHandler serves empty pots and a configurable transaction response.
func bankHandler(transactions func(since string) string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pots", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pots":[]}`)
	})
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, transactions(r.URL.Query().Get("since")))
	})
	return mux
}

func TestSyncAccountFirstSyncCommitsAll(t *testing.T) {
	var firstSince string
	handler := bankHandler(func(since string) string {
		if firstSince == "" {
			firstSince = since
		}
		return `{"transactions":[
			{"id":"tx_1","account_id":"acc_1","amount":-500,"created":"2026-08-20T10:00:00Z","currency":"GBP","description":"COFFEE"},
			{"id":"tx_2","account_id":"acc_1","amount":250000,"created":"2026-08-21T09:00:00Z","currency":"GBP","description":"ACME PAYROLL"}
		]}`
	})

	engine, repos, client := newTestEngine(t, handler)
	seedAccount(t, repos)

	if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First sync requests a bounded history window, not everything.
	parsed, err := time.Parse(time.RFC3339, firstSince)
	if err != nil {
		t.Fatalf("first sync since %q is not RFC3339: %v", firstSince, err)
	}
	age := time.Since(parsed)
	if age < 88*24*time.Hour || age > 90*24*time.Hour {
		t.Errorf("first sync window = %v ago, want about 89 days", age)
	}

	cursor, err := repos.Transactions.Latest(context.Background(), "acc_1", "user_1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.TransactionID != "tx_2" {
		t.Errorf("cursor = %s, want tx_2", cursor.TransactionID)
	}
}

func TestSyncAccountRejectsCursorEcho(t *testing.T) {
	cursorCreated := time.Date(2026, time.August, 21, 9, 0, 0, 0, time.UTC)

	handler := bankHandler(func(since string) string {
		// The bank echoes the cursor transaction and an older one back
		// alongside one genuinely new transaction.
		return `{"transactions":[
			{"id":"tx_2","account_id":"acc_1","amount":250000,"created":"2026-08-21T09:00:00Z","currency":"GBP"},
			{"id":"tx_old","account_id":"acc_1","amount":-100,"created":"2026-08-21T08:00:00Z","currency":"GBP"},
			{"id":"tx_3","account_id":"acc_1","amount":-1200,"created":"2026-08-22T12:00:00Z","currency":"GBP"}
		]}`
	})

	engine, repos, client := newTestEngine(t, handler)
	seedAccount(t, repos)

	// Seed the cursor row.
	_, err := repos.Transactions.InsertBatch(context.Background(), []*domain.Transaction{{
		TransactionID: "tx_2",
		AccountID:     "acc_1",
		MonzoUserID:   "user_1",
		Created:       cursorCreated,
		Amount:        250000,
	}})
	if err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mem := repos.Transactions.(*memTransactions)
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.txns) != 2 {
		t.Fatalf("stored transactions = %d, want 2 (cursor plus tx_3)", len(mem.txns))
	}
	if _, ok := mem.txns["tx_3/user_1"]; !ok {
		t.Error("tx_3 was not committed")
	}
	if _, ok := mem.txns["tx_old/user_1"]; ok {
		t.Error("tx_old at or before the cursor instant was committed")
	}
}

func TestSyncAccountIdempotent(t *testing.T) {
	handler := bankHandler(func(since string) string {
		return `{"transactions":[
			{"id":"tx_1","account_id":"acc_1","amount":-500,"created":"2026-08-20T10:00:00Z","currency":"GBP"}
		]}`
	})

	engine, repos, client := newTestEngine(t, handler)
	seedAccount(t, repos)

	for i := 0; i < 3; i++ {
		if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_1"); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	mem := repos.Transactions.(*memTransactions)
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.txns) != 1 {
		t.Errorf("stored transactions = %d, want 1 after repeated syncs", len(mem.txns))
	}
}

func TestSyncAccountKeepsCursorInMemory(t *testing.T) {
	var sinces []string
	handler := bankHandler(func(since string) string {
		sinces = append(sinces, since)
		if len(sinces) == 1 {
			return `{"transactions":[
				{"id":"tx_1","account_id":"acc_1","amount":-500,"created":"2026-08-20T10:00:00Z","currency":"GBP"},
				{"id":"tx_2","account_id":"acc_1","amount":250000,"created":"2026-08-21T09:00:00Z","currency":"GBP"}
			]}`
		}
		return `{"transactions":[]}`
	})

	engine, repos, client := newTestEngine(t, handler)
	seedAccount(t, repos)

	if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Drop the stored rows so only the in-memory cursor can supply the
	// incremental starting point.
	mem := repos.Transactions.(*memTransactions)
	mem.mu.Lock()
	mem.txns = make(map[string]*domain.Transaction)
	mem.mu.Unlock()

	if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if len(sinces) != 2 {
		t.Fatalf("bank transaction calls = %d, want 2", len(sinces))
	}
	if sinces[1] != "tx_2" {
		t.Errorf("second sync since = %q, want the committed cursor tx_2", sinces[1])
	}
}

func TestSyncAccountSkipsNonSyncable(t *testing.T) {
	var bankCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		bankCalls++
		fmt.Fprint(w, `{}`)
	})

	engine, repos, client := newTestEngine(t, mux)
	err := repos.Accounts.Upsert(context.Background(), &domain.Account{
		AccountID:   "acc_closed",
		MonzoUserID: "user_1",
		Closed:      true,
		SyncEnabled: true,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	if err := engine.SyncAccount(context.Background(), client, "user_1", "acc_closed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bankCalls != 0 {
		t.Errorf("bank called %d times for a closed account", bankCalls)
	}
}

func TestSyncAllSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	// The hold goroutine occupies the slot manually to simulate a long
	// sync run.
	engine, _, _ := newTestEngine(t, http.NewServeMux())

	go func() {
		<-engine.inFlight
		close(started)
		<-release
		engine.inFlight <- struct{}{}
	}()

	<-started

	// With the slot held, SyncAll must return immediately instead of
	// queueing a second run.
	done := make(chan struct{})
	go func() {
		engine.SyncAll(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SyncAll blocked while another sync was in flight")
	}
	close(release)
}
