// Package domain defines the core entities and error kinds.
package domain

import "errors"

// Error kinds surfaced across the core. Callers match with errors.Is;
// wrapped context travels via fmt.Errorf("...: %w", ...).
var (
	// ErrReauthRequired means the refresh token is expired or revoked.
	// The user's accounts are skipped on future sync ticks until they
	// reauthenticate.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrAuthTransient is a 401 or token-like error recoverable by one
	// refresh. Handled inside the bank client; callers only see it when
	// the refresh itself failed for a non-terminal reason.
	ErrAuthTransient = errors.New("transient auth failure")

	// ErrBankTransient covers 5xx, network errors and timeouts from the
	// bank API. Executors abort the current rule; the next tick retries.
	ErrBankTransient = errors.New("transient bank API failure")

	// ErrInsufficientFunds is a precondition failure for money movement,
	// recorded as a normal non-success outcome.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConfigInvalid means a rule config failed validation. The rule is
	// skipped and an alert emitted; it is not disabled automatically.
	ErrConfigInvalid = errors.New("invalid rule configuration")

	// ErrDuplicateSuppressed is a cooldown trip; informational, not a failure.
	ErrDuplicateSuppressed = errors.New("duplicate execution suppressed")

	// ErrDependencyUnmet means a queued item's dependencies have not
	// completed yet; it is re-enqueued rather than failed.
	ErrDependencyUnmet = errors.New("dependency not yet completed")

	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)
