package billing

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// Payment event types handled by the reconciler. Everything else is
// acknowledged and ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"

	// EventCheckoutAsyncPaymentSucceeded settles a checkout that completed
	// with a delayed payment method. It is applied as EventCheckoutCompleted
	// under the same session key.
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription,
// which is already covered by the checkout event.
const BillingReasonSubscriptionCreate = "subscription_create"

var (
	// ErrInvalidSignature means the webhook signature did not verify.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrInvalidPayload means a verified payload could not be decoded.
	ErrInvalidPayload = errors.New("billing: invalid webhook payload")
	// ErrInvalidEvent means a decoded event lacks the fields needed to apply it.
	ErrInvalidEvent = errors.New("billing: event is missing required fields")
	// ErrSessionOwnership means a verify call named another user's session.
	ErrSessionOwnership = errors.New("billing: checkout session belongs to another user")
	// ErrUnknownUser means the event could not be linked to a local user.
	ErrUnknownUser = errors.New("billing: event cannot be linked to a user")
	// ErrSessionNotFound means the processor does not know the session id.
	ErrSessionNotFound = errors.New("billing: checkout session not found")
	// ErrProcessorUnavailable wraps processor API failures.
	ErrProcessorUnavailable = errors.New("billing: payment processor unavailable")
	// ErrMissingCredentials is returned at startup when keys are not configured.
	ErrMissingCredentials = errors.New("billing: payment processor credentials are not configured")
)

// Event is a payment processor event normalized for the reconciler. Key is
// the idempotency key: the checkout session id for checkouts, the invoice id
// for invoices and the processor event id for cancellations.
type Event struct {
	ID             string
	Type           string
	Key            string
	UserID         uint
	PlanID         string
	Credits        int64
	Kind           string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	PriceRef       string
	BillingReason  string
	AttemptCount   int64
	// Paid is set on checkout sessions whose payment has settled.
	Paid    bool
	Payload []byte
}

// Outcome is the result of handing an event to the reconciler.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomePending is returned by VerifyPayment when the processor could
	// not confirm the session in time or the payment has not settled.
	OutcomePending Outcome = "pending"
)

// Result describes what the reconciler did with one event.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	EventType string  `json:"event_type,omitempty"`
	EventKey  string  `json:"event_key,omitempty"`
	UserID    uint    `json:"user_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Remaining *int64  `json:"remaining,omitempty"`
}

// Period is a subscription billing period.
type Period struct {
	Start time.Time
	End   time.Time
}

// checkoutMetadata is the metadata bag attached to checkout sessions when they
// are created.
type checkoutMetadata struct {
	UserID  uint
	PlanID  string
	Credits int64
	Kind    string
}

func parseMetadata(md map[string]string) checkoutMetadata {
	var out checkoutMetadata
	if len(md) == 0 {
		return out
	}
	if raw := firstNonEmpty(md["userId"], md["user_id"]); raw != "" {
		if v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil {
			out.UserID = uint(v)
		}
	}
	out.PlanID = strings.TrimSpace(firstNonEmpty(md["planId"], md["plan_id"]))
	if raw := strings.TrimSpace(md["credits"]); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out.Credits = v
		}
	}
	out.Kind = normalizeKind(md["kind"])
	return out
}

func normalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case models.PlanKindSubscription, "sub":
		return models.PlanKindSubscription
	case models.PlanKindOneTime, "one-time", "onetime", "payment":
		return models.PlanKindOneTime
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
