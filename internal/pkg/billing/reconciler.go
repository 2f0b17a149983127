package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

const (
	sourceWebhook = "webhook"
	sourceVerify  = "verify"
)

// Reconciler applies payment processor events to the credit ledger at most
// once. The webhook and the verify poll are two callers of the same apply
// path; the event key on the activity log decides which one wins.
type Reconciler struct {
	credits   *credits.Service
	repo      Repository
	processor Processor
	policy    Policy
	metrics   *metrics.Recorder
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy overrides the default reconciliation policy.
func WithPolicy(p Policy) Option {
	return func(r *Reconciler) {
		def := DefaultPolicy()
		if p.FallbackPeriod <= 0 {
			p.FallbackPeriod = def.FallbackPeriod
		}
		if p.FailedPaymentThreshold < 1 {
			p.FailedPaymentThreshold = def.FailedPaymentThreshold
		}
		if p.VerifyTimeout <= 0 {
			p.VerifyTimeout = def.VerifyTimeout
		}
		if p.PeriodLookupTimeout <= 0 {
			p.PeriodLookupTimeout = def.PeriodLookupTimeout
		}
		r.policy = p
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler wires a reconciler.
func NewReconciler(svc *credits.Service, repo Repository, processor Processor, opts ...Option) *Reconciler {
	r := &Reconciler{
		credits:   svc,
		repo:      repo,
		processor: processor,
		policy:    DefaultPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleWebhook verifies, records and applies one webhook delivery.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := r.processor.ParseWebhook(payload, signature)
	if err != nil {
		r.recordRejected(ctx, payload, err)
		r.metrics.ReconcilerEvent("unknown", string(models.WebhookOutcomeRejected))
		log.Warnf("[Reconciler] Webhook rejected: %v", err)
		return nil, err
	}

	delivery := r.recordDelivery(ctx, ev, payload)
	res, err := r.apply(ctx, *ev, sourceWebhook)
	r.observe(*ev, sourceWebhook, res, err)
	r.finishDelivery(ctx, delivery, res, err)
	return res, err
}

// Apply applies a normalized event. It is safe to call any number of times
// with the same event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (*Result, error) {
	res, err := r.apply(ctx, ev, sourceWebhook)
	r.observe(ev, sourceWebhook, res, err)
	return res, err
}

// VerifyPayment confirms a checkout session for the calling user and applies
// it if the webhook has not done so yet. A processor timeout or an unsettled
// payment yields OutcomePending.
func (r *Reconciler) VerifyPayment(ctx context.Context, userID uint, sessionID string) (*Result, error) {
	sessionID = strings.TrimSpace(sessionID)
	if userID == 0 || sessionID == "" {
		return nil, fmt.Errorf("%w: user and session id are required", ErrInvalidEvent)
	}

	if rec, err := r.appliedActivity(ctx, sessionID); err != nil {
		return nil, err
	} else if rec != nil {
		if rec.UserID != userID {
			return nil, ErrSessionOwnership
		}
		log.Infof("[Reconciler] Verify: session=%s user=%d duplicate=true", sessionID, userID)
		r.metrics.ReconcilerEvent(EventCheckoutCompleted, string(OutcomeDuplicate))
		return &Result{Outcome: OutcomeDuplicate, EventType: EventCheckoutCompleted, EventKey: sessionID, UserID: userID}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.policy.VerifyTimeout)
	ev, err := r.processor.RetrieveCheckoutSession(lookupCtx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessorUnavailable) {
			log.Warnf("[Reconciler] Verify pending: session=%s user=%d err=%v", sessionID, userID, err)
			r.metrics.ReconcilerEvent(EventCheckoutCompleted, string(OutcomePending))
			return &Result{Outcome: OutcomePending, EventType: EventCheckoutCompleted, EventKey: sessionID, UserID: userID, Reason: "processor did not confirm the session in time"}, nil
		}
		return nil, err
	}

	if ev.UserID == 0 {
		// Without a user on the session or a linked customer nobody can prove
		// the session is theirs, so nobody gets to claim it here.
		owner, err := r.resolveUser(ctx, *ev)
		if errors.Is(err, ErrUnknownUser) {
			log.Warnf("[Reconciler] Verify rejected: session=%s has no known owner, caller=%d", sessionID, userID)
			return nil, ErrSessionOwnership
		}
		if err != nil {
			return nil, err
		}
		ev.UserID = owner
	}
	if ev.UserID != userID {
		log.Warnf("[Reconciler] Verify rejected: session=%s belongs to user=%d, caller=%d", sessionID, ev.UserID, userID)
		return nil, ErrSessionOwnership
	}
	if !ev.Paid {
		r.metrics.ReconcilerEvent(EventCheckoutCompleted, string(OutcomePending))
		return &Result{Outcome: OutcomePending, EventType: EventCheckoutCompleted, EventKey: sessionID, UserID: userID, Reason: "payment not settled"}, nil
	}

	res, err := r.apply(ctx, *ev, sourceVerify)
	r.observe(*ev, sourceVerify, res, err)
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, ev Event, source string) (*Result, error) {
	switch ev.Type {
	case EventCheckoutCompleted, EventInvoicePaid, EventSubscriptionDeleted, EventPaymentFailed:
	default:
		return ignored(ev, 0, "unhandled event type"), nil
	}
	if ev.Key == "" {
		return nil, fmt.Errorf("%w: %s without idempotency key", ErrInvalidEvent, ev.Type)
	}

	if rec, err := r.appliedActivity(ctx, ev.Key); err != nil {
		return nil, err
	} else if rec != nil {
		return &Result{Outcome: OutcomeDuplicate, EventType: ev.Type, EventKey: ev.Key, UserID: rec.UserID}, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		return r.applyCheckout(ctx, ev, source)
	case EventInvoicePaid:
		return r.applyRenewal(ctx, ev, source)
	case EventSubscriptionDeleted:
		return r.applyCancellation(ctx, ev, source)
	default:
		return r.applyPaymentFailure(ctx, ev, source)
	}
}

func (r *Reconciler) applyCheckout(ctx context.Context, ev Event, source string) (*Result, error) {
	if !ev.Paid {
		return ignored(ev, ev.UserID, "payment not settled"), nil
	}
	userID, err := r.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	plan, err := r.resolvePlan(ctx, ev)
	if err != nil {
		return nil, err
	}
	r.linkCustomer(ctx, userID, ev)

	meta := r.metadata(ev, source, plan.ID)
	req := credits.CreditRequest{
		UserID:          userID,
		Amount:          plan.Credits,
		Metadata:        meta,
		EventKey:        ev.Key,
		CreateIfMissing: true,
	}
	switch plan.Kind {
	case models.PlanKindSubscription:
		start := r.now()
		req.Pool = models.CreditPoolSubscription
		req.Type = models.ActivitySubscriptionActivated
		req.Kind = models.KindSubscriptionStarted
		req.Subscription = &credits.SubscriptionChange{
			Plan:                   plan.ID,
			StartDate:              start,
			EndDate:                r.periodEnd(ctx, ev, start),
			ProviderSubscriptionID: ev.SubscriptionID,
		}
		// Only the verify poll refuses a second subscription. A webhook means
		// the processor already charged the customer, so the credits are
		// granted and the period replaced.
		req.RequireNoActiveSubscription = source == sourceVerify
	default:
		req.Pool = models.CreditPoolPermanent
		req.Type = models.ActivityCreditAdd
		req.Kind = models.KindOneTimePurchase
	}

	res, err := r.credits.Credit(ctx, req)
	return creditResult(ev, userID, res, err)
}

func (r *Reconciler) applyRenewal(ctx context.Context, ev Event, source string) (*Result, error) {
	if ev.BillingReason == BillingReasonSubscriptionCreate {
		return ignored(ev, ev.UserID, "first invoice is applied by checkout"), nil
	}
	userID, err := r.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	plan, err := r.resolveRenewalPlan(ctx, ev)
	if err != nil {
		return nil, err
	}

	if acct, err := r.credits.Balance(ctx, userID); err == nil && acct.SubscriptionStatus != models.SubscriptionStatusActive {
		log.Warnf("[Reconciler] Renewal for user=%d whose subscription is %s: invoice=%s", userID, acct.SubscriptionStatus, ev.Key)
	}

	res, err := r.credits.Credit(ctx, credits.CreditRequest{
		UserID:   userID,
		Amount:   plan.Credits,
		Pool:     models.CreditPoolSubscription,
		Type:     models.ActivitySubscriptionRenewal,
		Kind:     models.KindSubscriptionRenewed,
		Metadata: r.metadata(ev, source, plan.ID),
		EventKey: ev.Key,
		Subscription: &credits.SubscriptionChange{
			EndDate:                r.periodEnd(ctx, ev, r.now()),
			ProviderSubscriptionID: ev.SubscriptionID,
			ExtendOnly:             true,
		},
		CreateIfMissing: true,
	})
	return creditResult(ev, userID, res, err)
}

func (r *Reconciler) applyCancellation(ctx context.Context, ev Event, source string) (*Result, error) {
	return r.endSubscription(ctx, ev, source, models.SubscriptionStatusCanceled, models.KindSubscriptionCanceled, "subscription deleted by processor")
}

func (r *Reconciler) applyPaymentFailure(ctx context.Context, ev Event, source string) (*Result, error) {
	if ev.AttemptCount < r.policy.FailedPaymentThreshold {
		return ignored(ev, ev.UserID, fmt.Sprintf("attempt %d below threshold %d", ev.AttemptCount, r.policy.FailedPaymentThreshold)), nil
	}
	return r.endSubscription(ctx, ev, source, models.SubscriptionStatusExpired, models.KindPaymentFailed,
		fmt.Sprintf("payment failed %d times", ev.AttemptCount))
}

func (r *Reconciler) endSubscription(ctx context.Context, ev Event, source, status string, kind models.ActivityKind, reason string) (*Result, error) {
	userID, err := r.resolveUser(ctx, ev)
	if errors.Is(err, ErrUnknownUser) {
		return ignored(ev, 0, "no local user for customer"), nil
	}
	if err != nil {
		return nil, err
	}

	meta := r.metadata(ev, source, ev.PlanID)
	if ev.Type == EventPaymentFailed {
		meta.InvoiceID = strings.TrimSuffix(ev.Key, ":payment_failed")
	}
	res, err := r.credits.EndSubscription(ctx, credits.EndSubscriptionRequest{
		UserID:                 userID,
		Status:                 status,
		Kind:                   kind,
		Reason:                 reason,
		EventKey:               ev.Key,
		Metadata:               meta,
		ProviderSubscriptionID: ev.SubscriptionID,
	})
	switch {
	case errors.Is(err, credits.ErrDuplicateEvent):
		return &Result{Outcome: OutcomeDuplicate, EventType: ev.Type, EventKey: ev.Key, UserID: userID}, nil
	case errors.Is(err, credits.ErrStaleSubscription):
		return ignored(ev, userID, "event names a subscription the account no longer tracks"), nil
	case errors.Is(err, credits.ErrAccountNotFound):
		return ignored(ev, userID, "no credit account"), nil
	case err != nil:
		return nil, err
	}
	if !res.Changed {
		return ignored(ev, userID, "no active subscription or subscription credits"), nil
	}
	return &Result{Outcome: OutcomeApplied, EventType: ev.Type, EventKey: ev.Key, UserID: userID, Reason: reason}, nil
}

type resolvedPlan struct {
	ID      string
	Kind    string
	Credits int64
}

// resolvePlan determines what a checkout buys. Metadata credits are set by
// our own checkout creation; the catalog fills in what metadata lacks.
func (r *Reconciler) resolvePlan(ctx context.Context, ev Event) (resolvedPlan, error) {
	out := resolvedPlan{ID: ev.PlanID, Kind: ev.Kind, Credits: ev.Credits}
	catalog, err := r.lookupPlan(ctx, ev)
	if err != nil {
		return out, err
	}
	if catalog != nil {
		out.ID = catalog.PlanID
		if out.Kind == "" {
			out.Kind = catalog.Kind
		}
		if out.Credits <= 0 {
			out.Credits = catalog.Credits
		}
	}
	if out.Kind == "" {
		return out, fmt.Errorf("%w: cannot tell one-time purchase from subscription for %s", ErrInvalidEvent, ev.Key)
	}
	if out.Credits < 0 {
		return out, fmt.Errorf("%w: negative credits for %s", ErrInvalidEvent, ev.Key)
	}
	return out, nil
}

// resolveRenewalPlan prefers the catalog amount, since renewals grant the
// plan's per-cycle credits.
func (r *Reconciler) resolveRenewalPlan(ctx context.Context, ev Event) (resolvedPlan, error) {
	out := resolvedPlan{ID: ev.PlanID, Kind: models.PlanKindSubscription, Credits: ev.Credits}
	catalog, err := r.lookupPlan(ctx, ev)
	if err != nil {
		return out, err
	}
	if catalog != nil {
		out.ID = catalog.PlanID
		out.Credits = catalog.Credits
	}
	if out.Credits < 0 {
		return out, fmt.Errorf("%w: negative credits for %s", ErrInvalidEvent, ev.Key)
	}
	if out.Credits == 0 {
		log.Warnf("[Reconciler] Renewal without credit amount: invoice=%s plan=%s price=%s", ev.Key, ev.PlanID, ev.PriceRef)
	}
	return out, nil
}

func (r *Reconciler) lookupPlan(ctx context.Context, ev Event) (*models.BillingPlan, error) {
	if ev.PlanID != "" {
		p, err := r.repo.FindActivePlan(ctx, ev.PlanID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if ev.PriceRef != "" {
		p, err := r.repo.FindActivePlanByPriceRef(ctx, ev.PriceRef)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Reconciler) resolveUser(ctx context.Context, ev Event) (uint, error) {
	if ev.UserID != 0 {
		return ev.UserID, nil
	}
	if ev.CustomerID == "" {
		return 0, fmt.Errorf("%w: %s %s", ErrUnknownUser, ev.Type, ev.Key)
	}
	acct, err := r.repo.GetBillingAccountByCustomerID(ctx, models.BillingProviderStripe, ev.CustomerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("%w: customer %s", ErrUnknownUser, ev.CustomerID)
		}
		return 0, err
	}
	return acct.UserID, nil
}

func (r *Reconciler) linkCustomer(ctx context.Context, userID uint, ev Event) {
	if ev.CustomerID == "" {
		return
	}
	err := r.repo.UpsertBillingAccount(ctx, &models.BillingAccount{
		UserID:             userID,
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: ev.CustomerID,
		Email:              ev.CustomerEmail,
	})
	if err != nil {
		log.Warnf("[Reconciler] Could not link customer=%s to user=%d: %v", ev.CustomerID, userID, err)
	}
}

// periodEnd returns the subscription period end, asking the processor when
// the event does not carry it and falling back to the configured period.
func (r *Reconciler) periodEnd(ctx context.Context, ev Event, from time.Time) time.Time {
	if ev.PeriodEnd.After(from) {
		return ev.PeriodEnd
	}
	if ev.SubscriptionID != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, r.policy.PeriodLookupTimeout)
		period, err := r.processor.RetrieveSubscriptionPeriod(lookupCtx, ev.SubscriptionID)
		cancel()
		if err == nil && period.End.After(from) {
			return period.End
		}
		if err != nil {
			log.Warnf("[Reconciler] Degraded: period lookup for subscription=%s failed: %v", ev.SubscriptionID, err)
		}
	}
	end := from.Add(r.policy.FallbackPeriod)
	log.Warnf("[Reconciler] Degraded: using fallback period end %s for %s", end.Format(time.RFC3339), ev.Key)
	return end
}

func (r *Reconciler) appliedActivity(ctx context.Context, key string) (*models.CreditActivity, error) {
	rec, err := r.credits.FindActivityByEventKey(ctx, key)
	if err != nil {
		if errors.Is(err, credits.ErrActivityNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *Reconciler) metadata(ev Event, source, planID string) models.ActivityMetadata {
	meta := models.ActivityMetadata{
		EventType:      ev.Type,
		Source:         source,
		PlanID:         planID,
		SubscriptionID: ev.SubscriptionID,
	}
	switch ev.Type {
	case EventCheckoutCompleted:
		meta.SessionID = ev.Key
	case EventInvoicePaid, EventPaymentFailed:
		meta.InvoiceID = ev.Key
	}
	if ev.ID != "" && ev.ID != ev.Key {
		meta.Extra = map[string]string{"provider_event_id": ev.ID}
	}
	return meta
}

func (r *Reconciler) recordDelivery(ctx context.Context, ev *Event, payload []byte) *models.BillingWebhookEvent {
	delivery := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	}
	if err := r.repo.RecordWebhookEvent(ctx, delivery); err != nil {
		log.Warnf("[Reconciler] Could not record delivery of event=%s: %v", ev.ID, err)
		return nil
	}
	return delivery
}

func (r *Reconciler) recordRejected(ctx context.Context, payload []byte, cause error) {
	delivery := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		EventType:       "unverified",
		PayloadJSON:     string(payload),
		SignatureValid:  false,
		Outcome:         models.WebhookOutcomeRejected,
		ProcessingError: cause.Error(),
	}
	if err := r.repo.RecordWebhookEvent(ctx, delivery); err != nil {
		log.Warnf("[Reconciler] Could not record rejected delivery: %v", err)
	}
}

func (r *Reconciler) finishDelivery(ctx context.Context, delivery *models.BillingWebhookEvent, res *Result, applyErr error) {
	if delivery == nil {
		return
	}
	outcome := models.WebhookOutcomeFailed
	processingError := ""
	if applyErr != nil {
		processingError = applyErr.Error()
	} else if res != nil {
		outcome = string(res.Outcome)
		processingError = res.Reason
	}
	if err := r.repo.MarkWebhookProcessed(ctx, delivery.ID, outcome, processingError); err != nil {
		log.Warnf("[Reconciler] Could not mark delivery %d processed: %v", delivery.ID, err)
	}
}

func (r *Reconciler) observe(ev Event, source string, res *Result, err error) {
	switch {
	case err == nil && res != nil:
		r.metrics.ReconcilerEvent(ev.Type, string(res.Outcome))
		switch res.Outcome {
		case OutcomeDuplicate:
			log.Infof("[Reconciler] %s key=%s user=%d source=%s duplicate=true", ev.Type, ev.Key, res.UserID, source)
		case OutcomeIgnored:
			log.Infof("[Reconciler] %s key=%s ignored: %s", ev.Type, ev.Key, res.Reason)
		default:
			log.Infof("[Reconciler] %s key=%s user=%d source=%s applied", ev.Type, ev.Key, res.UserID, source)
		}
	case credits.IsUserFacing(err) || errors.Is(err, ErrSessionOwnership):
		r.metrics.ReconcilerEvent(ev.Type, string(models.WebhookOutcomeRejected))
		log.Infof("[Reconciler] %s key=%s source=%s rejected: %v", ev.Type, ev.Key, source, err)
	default:
		r.metrics.ReconcilerEvent(ev.Type, string(models.WebhookOutcomeFailed))
		log.Errorf("[Reconciler] %s key=%s source=%s failed: %v", ev.Type, ev.Key, source, err)
	}
}

func creditResult(ev Event, userID uint, res *credits.CreditResult, err error) (*Result, error) {
	if errors.Is(err, credits.ErrDuplicateEvent) {
		return &Result{Outcome: OutcomeDuplicate, EventType: ev.Type, EventKey: ev.Key, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	remaining := res.Remaining
	return &Result{Outcome: OutcomeApplied, EventType: ev.Type, EventKey: ev.Key, UserID: userID, Remaining: &remaining}, nil
}

func ignored(ev Event, userID uint, reason string) *Result {
	return &Result{Outcome: OutcomeIgnored, EventType: ev.Type, EventKey: ev.Key, UserID: userID, Reason: reason}
}
