package domain

import (
	"errors"
	"fmt"
)

// Error categories. Callers match them with errors.Is; the reason errors below
// wrap exactly one category each.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrConflict          = errors.New("conflict")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

var (
	ErrAlreadyInProgress = fmt.Errorf("%w: dialog session already in progress", ErrConflict)
	ErrRunExists         = fmt.Errorf("%w: active warm-up run already exists", ErrConflict)
	ErrAlreadyAdmin      = fmt.Errorf("%w: already an admin", ErrConflict)
	ErrProtectedIdentity = fmt.Errorf("%w: identity is configured statically", ErrConflict)
	ErrSelfRemoval       = fmt.Errorf("%w: admins cannot remove themselves", ErrConflict)

	ErrInvalidAnswer   = fmt.Errorf("%w: answer does not belong to the current question", ErrInvalidState)
	ErrSessionTerminal = fmt.Errorf("%w: dialog session is finished", ErrInvalidState)

	// ErrStale is returned by conditional updates when the row is no longer in
	// the expected prior state.
	ErrStale = fmt.Errorf("%w: row changed concurrently", ErrConflict)
)

// Reason returns a short machine-readable code for err, used in logs and
// operator-facing messages.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, ErrRunExists):
		return "run_exists"
	case errors.Is(err, ErrAlreadyAdmin):
		return "already_admin"
	case errors.Is(err, ErrProtectedIdentity):
		return "protected_identity"
	case errors.Is(err, ErrSelfRemoval):
		return "self_removal"
	case errors.Is(err, ErrInvalidAnswer):
		return "invalid_answer"
	case errors.Is(err, ErrSessionTerminal):
		return "session_terminal"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPermanentDelivery):
		return "permanent_delivery"
	case errors.Is(err, ErrTransientDelivery):
		return "transient_delivery"
	default:
		return "internal"
	}
}
