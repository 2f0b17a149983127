package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Processor is the payment processor as seen by the reconciler.
type Processor interface {
	// ParseWebhook verifies the signature and normalizes the payload.
	ParseWebhook(payload []byte, signature string) (*Event, error)
	// RetrieveCheckoutSession fetches a checkout session by id.
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Event, error)
	// RetrieveSubscriptionPeriod fetches the current period of a subscription.
	RetrieveSubscriptionPeriod(ctx context.Context, subscriptionID string) (Period, error)
}

// StripeProcessor implements Processor with the Stripe API.
type StripeProcessor struct {
	webhookSecret string
	sessions      checkoutsession.Client
	subscriptions subscription.Client
}

// NewStripeProcessor creates a processor bound to one secret key. It does not
// touch the package-level stripe.Key.
func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	backend := stripe.GetBackend(stripe.APIBackend)
	return &StripeProcessor{
		webhookSecret: webhookSecret,
		sessions:      checkoutsession.Client{B: backend, Key: secretKey},
		subscriptions: subscription.Client{B: backend, Key: secretKey},
	}
}

func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, event.ID)
	}
	return decodeEvent(event.ID, string(event.Type), event.Data.Raw)
}

func (p *StripeProcessor) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Event, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.sessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeError(ctx, err)
	}

	md := parseMetadata(sess.Metadata)
	ev := &Event{
		ID:            sess.ID,
		Type:          EventCheckoutCompleted,
		Key:           sess.ID,
		UserID:        md.UserID,
		PlanID:        md.PlanID,
		Credits:       md.Credits,
		Kind:          md.Kind,
		CustomerEmail: sess.CustomerEmail,
		Paid:          isSettled(string(sess.PaymentStatus)),
	}
	if ev.Kind == "" {
		ev.Kind = kindFromMode(string(sess.Mode))
	}
	if sess.Customer != nil {
		ev.CustomerID = sess.Customer.ID
	}
	if ev.CustomerEmail == "" && sess.CustomerDetails != nil {
		ev.CustomerEmail = sess.CustomerDetails.Email
	}
	if sess.Subscription != nil {
		ev.SubscriptionID = sess.Subscription.ID
	}
	return ev, nil
}

func (p *StripeProcessor) RetrieveSubscriptionPeriod(ctx context.Context, subscriptionID string) (Period, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.subscriptions.Get(subscriptionID, params)
	if err != nil {
		return Period{}, wrapStripeError(ctx, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].CurrentPeriodEnd == 0 {
		return Period{}, fmt.Errorf("%w: subscription %s has no current period", ErrProcessorUnavailable, subscriptionID)
	}
	item := sub.Items.Data[0]
	return Period{Start: unix(item.CurrentPeriodStart), End: unix(item.CurrentPeriodEnd)}, nil
}

func wrapStripeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrProcessorUnavailable, ctxErr)
	}
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrProcessorUnavailable, err)
}
