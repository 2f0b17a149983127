package credits

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// DebitOrder decides which pool a debit drains first.
type DebitOrder string

const (
	// DebitSubscriptionFirst spends the use-it-or-lose-it pool before the
	// permanent one.
	DebitSubscriptionFirst DebitOrder = "subscription_first"
	DebitPermanentFirst    DebitOrder = "permanent_first"
)

// ParseDebitOrder maps a config value to a DebitOrder, defaulting to
// subscription first.
func ParseDebitOrder(raw string) DebitOrder {
	switch DebitOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case DebitPermanentFirst:
		return DebitPermanentFirst
	default:
		return DebitSubscriptionFirst
	}
}

// split returns how much of amount comes from each pool. The caller has
// already checked that the total covers amount.
func (o DebitOrder) split(acct *models.CreditAccount, amount int64) (fromSubscription, fromPermanent int64) {
	if o == DebitPermanentFirst {
		fromPermanent = minInt64(amount, acct.PermanentCredits)
		fromSubscription = amount - fromPermanent
		return fromSubscription, fromPermanent
	}
	fromSubscription = minInt64(amount, acct.SubscriptionCredits)
	fromPermanent = amount - fromSubscription
	return fromSubscription, fromPermanent
}

// Policy holds the tunables of the credit operations.
type Policy struct {
	DebitOrder DebitOrder
	// MaxRetries bounds optimistic retries on a version conflict.
	MaxRetries int
	// RetryBackoff is the base delay between optimistic retries.
	RetryBackoff time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		DebitOrder:   DebitSubscriptionFirst,
		MaxRetries:   8,
		RetryBackoff: 5 * time.Millisecond,
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
