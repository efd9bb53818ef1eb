package monzo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

const (
	defaultTimeout  = 30 * time.Second
	paginateTimeout = 120 * time.Second
	pageLimit       = 100
)

// TokenStore persists refreshed tokens and reauth markers. Implemented
// by the users repository.
type TokenStore interface {
	SaveTokens(ctx context.Context, userID string, tok *TokenResponse) error
	MarkNeedsReauth(ctx context.Context, userID string) error
}

// Client is a per-user bank API client. Safe for concurrent use; token
// refresh is serialized internally.
type Client struct {
	httpClient *http.Client
	baseURL    string
	store      TokenStore
	breaker    *utils.CircuitBreaker
	metrics    *utils.MetricsCollector
	tracer     trace.Tracer

	mu   sync.Mutex
	user *domain.User
}

// Factory builds per-user clients over shared transport, breaker and
// metrics.
type Factory struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      TokenStore
	Breaker    *utils.CircuitBreaker
	Metrics    *utils.MetricsCollector
}

// NewFactory creates a client factory with sane defaults.
func NewFactory(baseURL string, store TokenStore, metrics *utils.MetricsCollector) *Factory {
	return &Factory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Store:      store,
		Breaker: utils.NewCircuitBreaker(utils.CircuitBreakerConfig{
			Name:             "monzo-api",
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		}),
		Metrics: metrics,
	}
}

// ForUser binds a client to one user's credentials. The user must carry
// decrypted tokens.
func (f *Factory) ForUser(user *domain.User) *Client {
	return &Client{
		httpClient: f.HTTPClient,
		baseURL:    f.BaseURL,
		store:      f.Store,
		breaker:    f.Breaker,
		metrics:    f.Metrics,
		tracer:     utils.GetTracer("monzo-client"),
		user:       user,
	}
}

// UserID returns the bound user's bank identifier.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user.MonzoUserID
}

// statusError carries an HTTP failure for classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bank API returned %d: %s", e.code, e.body)
}

// isAuthError reports whether the failure looks token-related and is
// worth one refresh+retry.
func isAuthError(err error) bool {
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusUnauthorized {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unauthorized", "token", "expired", "invalid"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isReauthError reports whether a refresh failure is terminal.
func isReauthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "refresh_token", "expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// call performs one API request with breaker protection, tracing and
// metrics. Auth retry happens one level up.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, form url.Values, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "monzo."+op,
		trace.WithAttributes(attribute.String("monzo.operation", op)))
	defer span.End()

	start := time.Now()
	statusCode := 0

	err := c.breaker.Call(ctx, func(callCtx context.Context) error {
		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		c.mu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.user.AccessToken)
		c.mu.Unlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if callCtx.Err() != nil {
				return fmt.Errorf("%w: %s timed out: %v", domain.ErrBankTransient, op, err)
			}
			return fmt.Errorf("%w: %s: %v", domain.ErrBankTransient, op, err)
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: reading %s response: %v", domain.ErrBankTransient, op, err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", domain.ErrBankTransient, &statusError{code: resp.StatusCode, body: errorBody(raw)})
		}
		if resp.StatusCode >= 400 {
			return &statusError{code: resp.StatusCode, body: errorBody(raw)}
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", op, err)
			}
		}
		return nil
	})

	c.metrics.RecordBankAPICall(op, statusCode, time.Since(start))
	if err != nil {
		span.RecordError(err)
		var cbErr *utils.CircuitBreakerError
		if errors.As(err, &cbErr) {
			return fmt.Errorf("%w: %v", domain.ErrBankTransient, err)
		}
	}
	return err
}

// withAuthRetry runs fn once; on a token-like failure it refreshes the
// access token and retries exactly once. Non-auth failures are never
// retried here, so money-moving calls cannot double-submit.
func (c *Client) withAuthRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isAuthError(err) {
		return err
	}

	utils.Debug("bank call failed with auth error, refreshing token",
		slog.String("user_id", c.UserID()),
		slog.String("error", err.Error()),
	)

	if refreshErr := c.RefreshAccessToken(ctx); refreshErr != nil {
		return refreshErr
	}
	return fn(ctx)
}

// Whoami returns the authenticated identity.
func (c *Client) Whoami(ctx context.Context) (*WhoamiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var resp WhoamiResponse
	err := c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "whoami", http.MethodGet, "/ping/whoami", nil, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccounts lists the user's accounts.
func (c *Client) GetAccounts(ctx context.Context) ([]APIAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var resp struct {
		Accounts []APIAccount `json:"accounts"`
	}
	err := c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "get_accounts", http.MethodGet, "/accounts", nil, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// GetPots lists pots for an account.
func (c *Client) GetPots(ctx context.Context, accountID string) ([]APIPot, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := url.Values{"current_account_id": {accountID}}
	var resp struct {
		Pots []APIPot `json:"pots"`
	}
	err := c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "get_pots", http.MethodGet, "/pots", query, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Pots, nil
}

// GetBalance returns the live balance of an account.
func (c *Client) GetBalance(ctx context.Context, accountID string) (*APIBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := url.Values{"account_id": {accountID}}
	var resp APIBalance
	err := c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "get_balance", http.MethodGet, "/balance", query, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransactions lists transactions for an account. With AutoPaginate
// it follows id-cursor pages until a short page; the whole walk runs
// under the extended deadline.
func (c *Client) GetTransactions(ctx context.Context, accountID string, params TransactionParams) ([]APITransaction, error) {
	timeout := defaultTimeout
	if params.AutoPaginate {
		timeout = paginateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var all []APITransaction
	since := params.Since

	for {
		query := url.Values{
			"account_id": {accountID},
			"limit":      {strconv.Itoa(pageLimit)},
			"expand[]":   {"merchant"},
		}
		if since != "" {
			query.Set("since", since)
		}
		if params.Before != nil {
			query.Set("before", params.Before.UTC().Format(time.RFC3339))
		}

		var resp struct {
			Transactions []APITransaction `json:"transactions"`
		}
		err := c.withAuthRetry(ctx, func(ctx context.Context) error {
			return c.call(ctx, "get_transactions", http.MethodGet, "/transactions", query, nil, &resp)
		})
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Transactions...)

		if !params.AutoPaginate || len(resp.Transactions) < pageLimit {
			break
		}
		since = resp.Transactions[len(resp.Transactions)-1].ID
	}

	return all, nil
}

// DepositToPot moves amount from an account into a pot. The caller
// supplies the dedupe id; the bank rejects duplicates with the same id.
func (c *Client) DepositToPot(ctx context.Context, potID, fromAccountID string, amount int64, dedupeID string) error {
	if dedupeID == "" {
		return fmt.Errorf("dedupe id is required for pot deposit")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	form := url.Values{
		"source_account_id": {fromAccountID},
		"amount":            {strconv.FormatInt(amount, 10)},
		"dedupe_id":         {dedupeID},
	}
	return c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "pot_deposit", http.MethodPut, "/pots/"+potID+"/deposit", nil, form, nil)
	})
}

// WithdrawFromPot moves amount from a pot into an account.
func (c *Client) WithdrawFromPot(ctx context.Context, potID, toAccountID string, amount int64, dedupeID string) error {
	if dedupeID == "" {
		return fmt.Errorf("dedupe id is required for pot withdrawal")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	form := url.Values{
		"destination_account_id": {toAccountID},
		"amount":                 {strconv.FormatInt(amount, 10)},
		"dedupe_id":              {dedupeID},
	}
	return c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "pot_withdraw", http.MethodPut, "/pots/"+potID+"/withdraw", nil, form, nil)
	})
}

// AnnotateTransaction attaches notes to a transaction.
func (c *Client) AnnotateTransaction(ctx context.Context, txnID, notes string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	form := url.Values{"metadata[notes]": {notes}}
	return c.withAuthRetry(ctx, func(ctx context.Context) error {
		return c.call(ctx, "annotate_transaction", http.MethodPatch, "/transactions/"+txnID, nil, form, nil)
	})
}

// RefreshAccessToken exchanges the refresh token for fresh credentials
// and persists them. Terminal failures mark the user as needing
// reauthentication and surface ErrReauthRequired.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.user.ClientID},
		"client_secret": {c.user.ClientSecret},
		"refresh_token": {c.user.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: building refresh request: %v", domain.ErrAuthTransient, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token refresh: %v", domain.ErrAuthTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading refresh response: %v", domain.ErrAuthTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		refreshErr := &statusError{code: resp.StatusCode, body: errorBody(raw)}
		if isReauthError(refreshErr) {
			if markErr := c.store.MarkNeedsReauth(ctx, c.user.MonzoUserID); markErr != nil {
				utils.Error("failed to mark user for reauth",
					slog.String("user_id", c.user.MonzoUserID),
					slog.String("error", markErr.Error()),
				)
			}
			return fmt.Errorf("%w: %v", domain.ErrReauthRequired, refreshErr)
		}
		return fmt.Errorf("%w: %v", domain.ErrAuthTransient, refreshErr)
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("%w: decoding refresh response: %v", domain.ErrAuthTransient, err)
	}

	c.user.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.user.RefreshToken = tok.RefreshToken
	}
	c.user.TokenType = tok.TokenType
	c.user.ExpiresIn = tok.ExpiresIn
	c.user.TokenAcquiredAt = time.Now().UTC()

	if err := c.store.SaveTokens(ctx, c.user.MonzoUserID, &tok); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	utils.Info("access token refreshed", slog.String("user_id", c.user.MonzoUserID))
	return nil
}

// errorBody renders the bank's structured error envelope when the
// payload carries one, falling back to the raw body.
func errorBody(raw []byte) string {
	var env apiError
	if err := json.Unmarshal(raw, &env); err == nil {
		var parts []string
		for _, p := range []string{env.Code, env.Error_, env.Message} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ": ")
		}
	}
	return truncate(raw)
}

func truncate(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
