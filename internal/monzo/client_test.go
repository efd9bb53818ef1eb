package monzo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

type fakeTokenStore struct {
	mu          sync.Mutex
	saved       *TokenResponse
	savedUserID string
	reauthed    []string
}

func (s *fakeTokenStore) SaveTokens(ctx context.Context, userID string, tok *TokenResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = tok
	s.savedUserID = userID
	return nil
}

func (s *fakeTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reauthed = append(s.reauthed, userID)
	return nil
}

func testUser() *domain.User {
	return &domain.User{
		MonzoUserID:  "user_1",
		AccessToken:  "stale_access",
		RefreshToken: "refresh_1",
		ClientID:     "client_1",
		ClientSecret: "secret_1",
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeTokenStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := &fakeTokenStore{}
	factory := NewFactory(server.URL, store, utils.NewMetricsCollector())
	return factory.ForUser(testUser()), store, server
}

func TestGetAccountsRefreshesOnceOn401(t *testing.T) {
	var accountCalls, refreshCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		accountCalls++
		if r.Header.Get("Authorization") != "Bearer fresh_access" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}
		fmt.Fprint(w, `{"accounts":[{"id":"acc_1","type":"uk_retail","description":"Current Account","currency":"GBP"}]}`)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		if r.FormValue("refresh_token") != "refresh_1" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"fresh_access","refresh_token":"refresh_2","token_type":"Bearer","expires_in":21600,"user_id":"user_1"}`)
	})

	client, store, _ := newTestClient(t, mux)

	accounts, err := client.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "acc_1" {
		t.Errorf("accounts = %+v, want one acc_1", accounts)
	}
	if accountCalls != 2 {
		t.Errorf("account calls = %d, want 2 (original plus one retry)", accountCalls)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}
	if store.saved == nil || store.saved.AccessToken != "fresh_access" {
		t.Error("refreshed tokens were not persisted")
	}
}

func TestRefreshInvalidGrantIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"unauthorized"}`)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})

	client, store, _ := newTestClient(t, mux)

	_, err := client.GetAccounts(context.Background())
	if !errors.Is(err, domain.ErrReauthRequired) {
		t.Fatalf("error = %v, want ErrReauthRequired", err)
	}
	if len(store.reauthed) != 1 || store.reauthed[0] != "user_1" {
		t.Errorf("reauthed = %v, want [user_1]", store.reauthed)
	}
}

func TestServerErrorIsTransientAndNotRetried(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"internal"}`)
	})

	client, _, _ := newTestClient(t, mux)

	_, err := client.GetBalance(context.Background(), "acc_1")
	if !errors.Is(err, domain.ErrBankTransient) {
		t.Fatalf("error = %v, want ErrBankTransient", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no auth retry on 5xx)", calls)
	}
}

func TestDepositToPotRequiresDedupeID(t *testing.T) {
	var calls int
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	if err := client.DepositToPot(context.Background(), "pot_1", "acc_1", 1000, ""); err == nil {
		t.Fatal("expected error for missing dedupe id")
	}
	if err := client.WithdrawFromPot(context.Background(), "pot_1", "acc_1", 1000, ""); err == nil {
		t.Fatal("expected error for missing dedupe id")
	}
	if calls != 0 {
		t.Errorf("bank was called %d times without a dedupe id", calls)
	}
}

func TestDepositToPotSendsForm(t *testing.T) {
	var gotForm map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /pots/pot_1/deposit", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"source_account_id": r.PostFormValue("source_account_id"),
			"amount":            r.PostFormValue("amount"),
			"dedupe_id":         r.PostFormValue("dedupe_id"),
		}
		fmt.Fprint(w, `{}`)
	})

	client, _, _ := newTestClient(t, mux)
	client.user.AccessToken = "fresh_access"

	if err := client.DepositToPot(context.Background(), "pot_1", "acc_1", 2500, "topup_x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"source_account_id": "acc_1", "amount": "2500", "dedupe_id": "topup_x"}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestGetTransactionsAutoPaginates(t *testing.T) {
	var sinceParams []string
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		since := r.URL.Query().Get("since")
		sinceParams = append(sinceParams, since)

		if since == "tx_100" {
			// Short final page.
			fmt.Fprint(w, `{"transactions":[{"id":"tx_101","amount":-500,"created":"2026-03-01T10:00:00Z","currency":"GBP"}]}`)
			return
		}

		// A full page ending at tx_100.
		fmt.Fprint(w, `{"transactions":[`)
		for i := 1; i <= 100; i++ {
			if i > 1 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":"tx_%d","amount":-100,"created":"2026-02-28T10:00:00Z","currency":"GBP"}`, i)
		}
		fmt.Fprint(w, `]}`)
	})

	client, _, _ := newTestClient(t, mux)

	txns, err := client.GetTransactions(context.Background(), "acc_1", TransactionParams{
		Since:        "2026-02-01T00:00:00Z",
		AutoPaginate: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txns) != 101 {
		t.Errorf("transactions = %d, want 101", len(txns))
	}
	if len(sinceParams) != 2 || sinceParams[1] != "tx_100" {
		t.Errorf("since params = %v, want second page cursored from tx_100", sinceParams)
	}
}

func TestClientErrorRendersStructuredEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":"forbidden.insufficient_permissions","message":"Access denied"}`)
	})

	client, _, _ := newTestClient(t, mux)

	_, err := client.GetBalance(context.Background(), "acc_1")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if !strings.Contains(err.Error(), "forbidden.insufficient_permissions: Access denied") {
		t.Errorf("error = %q, want the decoded code and message", err)
	}
	if strings.Contains(err.Error(), `"message"`) {
		t.Errorf("error = %q, want the envelope decoded rather than raw JSON", err)
	}
}

func TestGetTransactionsSinglePageWithoutPagination(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"transactions":[]}`)
	})

	client, _, _ := newTestClient(t, mux)

	if _, err := client.GetTransactions(context.Background(), "acc_1", TransactionParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
