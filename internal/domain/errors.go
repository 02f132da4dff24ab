package domain

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrNotAuthorized is returned when an operation needs a token-bearing
// account and none is available.
var ErrNotAuthorized = errors.New("account not authorized; add or re-authorize the account first")

// ErrAccountMismatch matches any *AccountMismatchError via errors.Is.
var ErrAccountMismatch = errors.New("account mismatch")

// AccountMismatchError is returned when the caller's expected active account
// differs from the one recorded in the store.
type AccountMismatchError struct {
	Expected    int64
	Active      int64
	ActiveEmail string
}

func (e *AccountMismatchError) Error() string {
	return fmt.Sprintf("account mismatch: expected account %d, but active account is %d (%s)",
		e.Expected, e.Active, e.ActiveEmail)
}

func (e *AccountMismatchError) Is(target error) bool {
	return target == ErrAccountMismatch
}

// ExchangeError wraps a failed authorization code exchange or identity lookup.
type ExchangeError struct {
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("failed to exchange authorization code: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// FailureReason classifies why an automated login stopped.
type FailureReason string

const (
	ReasonControlNotFound     FailureReason = "control_not_found"
	ReasonEmailRejected       FailureReason = "email_rejected"
	ReasonWrongPassword       FailureReason = "wrong_password"
	ReasonVerificationTimeout FailureReason = "verification_timeout"
	ReasonNoCallback          FailureReason = "no_callback"
	ReasonCanceled            FailureReason = "canceled"
	ReasonLaunchFailed        FailureReason = "launch_failed"
)

// AutomationFailure is the terminal error of an automated login.
type AutomationFailure struct {
	Reason FailureReason
	Detail string
}

func (e *AutomationFailure) Error() string {
	if e.Detail == "" {
		return "automated login failed: " + string(e.Reason)
	}
	return fmt.Sprintf("automated login failed: %s: %s", e.Reason, e.Detail)
}

// RemoteAPIError is a provider-side failure of a mailbox call.
type RemoteAPIError struct {
	Op     string
	Status int
	Err    error
}

// InsufficientPermission reports whether the token lacks the scope the call needs.
func (e *RemoteAPIError) InsufficientPermission() bool {
	if e.Status == http.StatusForbidden {
		return true
	}
	return e.Err != nil && strings.Contains(strings.ToLower(e.Err.Error()), "insufficient permission")
}

func (e *RemoteAPIError) Error() string {
	if e.InsufficientPermission() {
		return fmt.Sprintf("%s: insufficient permission; remove the account and authorize it again to grant full mailbox access", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteAPIError) Unwrap() error { return e.Err }

// PartialSyncError lists the messages that could not be fetched during an
// otherwise successful sync.
type PartialSyncError struct {
	AccountID int64
	Failed    map[string]error
}

func (e *PartialSyncError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("account %d: %d message(s) failed to sync: %s",
		e.AccountID, len(ids), strings.Join(ids, ", "))
}
