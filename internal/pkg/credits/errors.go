package credits

import "errors"

// User-facing outcomes. They are returned synchronously and never retried.
var (
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrAlreadySubscribed   = errors.New("credits: account already has an active subscription")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
)

// Store-level outcomes.
var (
	ErrAccountExists    = errors.New("credits: account already exists")
	ErrActivityNotFound = errors.New("credits: activity not found")
	// ErrDuplicateEvent means an activity carrying the same event key already
	// exists. The surrounding transaction has been rolled back.
	ErrDuplicateEvent = errors.New("credits: event already applied")
	// ErrVersionConflict means the balance changed between read and write.
	ErrVersionConflict = errors.New("credits: balance version conflict")
	// ErrStaleSubscription means an end-of-subscription request named a
	// processor subscription the account no longer tracks.
	ErrStaleSubscription = errors.New("credits: subscription is not the one tracked by the account")
)

// IsUserFacing returns true for expected outcomes that should be reported to
// the caller and logged at info level.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAlreadySubscribed) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsTransient returns true when the operation may succeed if retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsUserFacing(err) &&
		!errors.Is(err, ErrDuplicateEvent) &&
		!errors.Is(err, ErrStaleSubscription) &&
		!errors.Is(err, ErrAccountExists)
}
