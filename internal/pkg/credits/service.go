package credits

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/events"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

// Service is the only code path that mutates credit balances. Every balance
// write and its activity record are committed in one store transaction.
type Service struct {
	store     Store
	policy    Policy
	publisher events.Publisher
	metrics   *metrics.Recorder
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy overrides the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) {
		if p.DebitOrder == "" {
			p.DebitOrder = DebitSubscriptionFirst
		}
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		s.policy = p
	}
}

// WithPublisher sets the publisher that receives committed ledger changes.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a credit service on top of store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		policy:    DefaultPolicy(),
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// DebitRequest describes a spend against a balance.
type DebitRequest struct {
	UserID   uint
	Amount   int64
	Kind     models.ActivityKind
	Metadata models.ActivityMetadata
	// EventKey makes the debit idempotent when set.
	EventKey string
}

// DebitResult reports how a debit was split across the pools.
type DebitResult struct {
	Deducted         int64 `json:"deducted"`
	FromSubscription int64 `json:"from_subscription"`
	FromPermanent    int64 `json:"from_permanent"`
	Remaining        int64 `json:"remaining"`
}

// Debit removes amount from the balance. It never applies a partial debit.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Kind == "" {
		req.Kind = models.KindManualAdjustment
	}

	var res DebitResult
	err := s.withRetry(ctx, func(tx Store) error {
		acct, err := tx.GetAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if acct.TotalCredits() < req.Amount {
			return ErrInsufficientCredits
		}

		fromSub, fromPerm := s.policy.DebitOrder.split(acct, req.Amount)
		acct.SubscriptionCredits -= fromSub
		acct.PermanentCredits -= fromPerm
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		meta := req.Metadata
		meta.FromSubscription = fromSub
		meta.FromPermanent = fromPerm
		rec := s.newActivity(acct.UserID, models.ActivityCreditDeduct, req.Kind, models.Int64Ptr(-req.Amount), meta, req.EventKey)
		if err := tx.AppendActivity(ctx, rec); err != nil {
			return err
		}

		res = DebitResult{
			Deducted:         req.Amount,
			FromSubscription: fromSub,
			FromPermanent:    fromPerm,
			Remaining:        acct.TotalCredits(),
		}
		return nil
	})
	if err != nil {
		s.observe("debit", err)
		if IsUserFacing(err) {
			log.Infof("[Credits] Debit rejected: user=%d amount=%d err=%v", req.UserID, req.Amount, err)
		}
		return nil, err
	}
	s.observe("debit", nil)

	s.publish(ctx, events.LedgerEvent{
		RoutingKey: events.RoutingCreditsDebited,
		UserID:     req.UserID,
		Amount:     -req.Amount,
		Kind:       string(req.Kind),
		Remaining:  res.Remaining,
		EventKey:   req.EventKey,
	})
	return &res, nil
}

// SubscriptionChange is applied to the account together with a credit.
type SubscriptionChange struct {
	Plan                   string
	StartDate              time.Time
	EndDate                time.Time
	ProviderSubscriptionID string
	// ExtendOnly moves the end date forward and leaves status, plan and start
	// date alone. Used for renewals.
	ExtendOnly bool
}

// CreditRequest describes an addition to one pool.
type CreditRequest struct {
	UserID   uint
	Amount   int64
	Pool     models.CreditPool
	Type     models.ActivityType
	Kind     models.ActivityKind
	Metadata models.ActivityMetadata
	// EventKey is stored on the activity record; a second credit with the
	// same key fails with ErrDuplicateEvent and changes nothing.
	EventKey     string
	Subscription *SubscriptionChange
	// RequireNoActiveSubscription rejects the credit with ErrAlreadySubscribed
	// when the account already holds a live subscription.
	RequireNoActiveSubscription bool
	// CreateIfMissing opens an empty balance when none exists yet.
	CreateIfMissing bool
}

// CreditResult is the balance after a credit.
type CreditResult struct {
	Remaining int64                `json:"remaining"`
	Account   models.CreditAccount `json:"account"`
}

// Credit adds amount to the selected pool. An amount of zero is legal.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if req.Pool == "" {
		req.Pool = models.CreditPoolPermanent
	}
	if req.Pool != models.CreditPoolPermanent && req.Pool != models.CreditPoolSubscription {
		return nil, fmt.Errorf("%w: unknown pool %q", ErrInvalidAmount, req.Pool)
	}
	if req.Type == "" {
		req.Type = models.ActivityCreditAdd
	}
	if req.Kind == "" {
		req.Kind = models.KindManualAdjustment
	}

	var res CreditResult
	err := s.withRetry(ctx, func(tx Store) error {
		if req.EventKey != "" {
			if _, err := tx.FindActivityByEventKey(ctx, req.EventKey); err == nil {
				return ErrDuplicateEvent
			} else if !errors.Is(err, ErrActivityNotFound) {
				return err
			}
		}

		acct, err := s.loadForCredit(ctx, tx, req)
		if err != nil {
			return err
		}
		now := s.now()
		if req.RequireNoActiveSubscription && acct.HasActiveSubscription(now) {
			return ErrAlreadySubscribed
		}

		switch req.Pool {
		case models.CreditPoolSubscription:
			acct.SubscriptionCredits += req.Amount
		default:
			acct.PermanentCredits += req.Amount
		}
		if req.Subscription != nil {
			applySubscriptionChange(acct, *req.Subscription)
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		meta := req.Metadata
		meta.Pool = req.Pool
		rec := s.newActivity(acct.UserID, req.Type, req.Kind, models.Int64Ptr(req.Amount), meta, req.EventKey)
		if err := tx.AppendActivity(ctx, rec); err != nil {
			return err
		}

		res = CreditResult{Remaining: acct.TotalCredits(), Account: acct.Clone()}
		return nil
	})
	if err != nil {
		s.observe("credit", err)
		if errors.Is(err, ErrDuplicateEvent) {
			log.Infof("[Credits] Credit skipped: user=%d event_key=%s duplicate=true", req.UserID, req.EventKey)
		}
		return nil, err
	}
	s.observe("credit", nil)

	routing := events.RoutingCreditsCredited
	if req.Subscription != nil && !req.Subscription.ExtendOnly {
		routing = events.RoutingSubscriptionActivated
	}
	s.publish(ctx, events.LedgerEvent{
		RoutingKey: routing,
		UserID:     req.UserID,
		Amount:     req.Amount,
		Kind:       string(req.Kind),
		Remaining:  res.Remaining,
		Status:     res.Account.SubscriptionStatus,
		EventKey:   req.EventKey,
	})
	return &res, nil
}

func (s *Service) loadForCredit(ctx context.Context, tx Store, req CreditRequest) (*models.CreditAccount, error) {
	acct, err := tx.GetAccount(ctx, req.UserID)
	if err == nil || !errors.Is(err, ErrAccountNotFound) || !req.CreateIfMissing {
		return acct, err
	}
	acct = &models.CreditAccount{
		UserID:             req.UserID,
		SubscriptionStatus: models.SubscriptionStatusNone,
	}
	if err := tx.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return tx.GetAccount(ctx, req.UserID)
}

func applySubscriptionChange(acct *models.CreditAccount, change SubscriptionChange) {
	if change.ExtendOnly {
		// A renewal never re-points the account at another subscription.
		if acct.ProviderSubscriptionID == "" {
			acct.ProviderSubscriptionID = change.ProviderSubscriptionID
		}
		if !change.EndDate.IsZero() && (acct.SubscriptionEndDate == nil || change.EndDate.After(*acct.SubscriptionEndDate)) {
			end := change.EndDate
			acct.SubscriptionEndDate = &end
		}
		return
	}

	acct.SubscriptionStatus = models.SubscriptionStatusActive
	acct.ProviderSubscriptionID = change.ProviderSubscriptionID
	if change.Plan != "" {
		plan := change.Plan
		acct.SubscriptionPlan = &plan
	}
	start, end := change.StartDate, change.EndDate
	acct.SubscriptionStartDate = &start
	acct.SubscriptionEndDate = &end
}

// ClearSubscriptionCredits zeroes the subscription pool. Clearing an already
// empty pool returns zero and writes nothing.
func (s *Service) ClearSubscriptionCredits(ctx context.Context, userID uint, reason string) (int64, error) {
	var cleared int64
	err := s.withRetry(ctx, func(tx Store) error {
		cleared = 0
		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct.SubscriptionCredits == 0 {
			return nil
		}

		cleared = acct.SubscriptionCredits
		acct.SubscriptionCredits = 0
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		meta := models.ActivityMetadata{Reason: reason, ClearedAmount: cleared, Pool: models.CreditPoolSubscription}
		rec := s.newActivity(userID, models.ActivitySubscriptionExpired, models.KindSubscriptionExpired, models.Int64Ptr(-cleared), meta, "")
		return tx.AppendActivity(ctx, rec)
	})
	if err != nil {
		s.observe("clear", err)
		return 0, err
	}
	if cleared == 0 {
		s.metrics.LedgerOp("clear", "noop")
		return 0, nil
	}
	s.observe("clear", nil)
	log.Infof("[Credits] Cleared subscription credits: user=%d amount=%d reason=%s", userID, cleared, reason)

	s.publish(ctx, events.LedgerEvent{
		RoutingKey: events.RoutingSubscriptionEnded,
		UserID:     userID,
		Amount:     -cleared,
		Kind:       string(models.KindSubscriptionExpired),
		Attributes: map[string]string{"reason": reason},
	})
	return cleared, nil
}

// EndSubscriptionRequest describes a cancellation or expiry.
type EndSubscriptionRequest struct {
	UserID uint
	// Status is the terminal status, canceled or expired.
	Status   string
	Kind     models.ActivityKind
	Reason   string
	EventKey string
	Metadata models.ActivityMetadata
	// ProviderSubscriptionID, when set, must match the subscription the
	// account tracks. A mismatch yields ErrStaleSubscription.
	ProviderSubscriptionID string
	// OnlyIfEndedBefore turns the call into a no-op when the subscription is
	// active and its end date is not before the given instant.
	OnlyIfEndedBefore *time.Time
}

// EndSubscriptionResult reports what an end-of-subscription changed.
type EndSubscriptionResult struct {
	Changed bool  `json:"changed"`
	Cleared int64 `json:"cleared"`
}

// EndSubscription zeroes the subscription pool and moves an active
// subscription into the terminal status with end date now.
func (s *Service) EndSubscription(ctx context.Context, req EndSubscriptionRequest) (*EndSubscriptionResult, error) {
	if req.Status != models.SubscriptionStatusCanceled && req.Status != models.SubscriptionStatusExpired {
		return nil, fmt.Errorf("credits: invalid terminal status %q", req.Status)
	}
	if req.Kind == "" {
		req.Kind = models.KindSubscriptionExpired
		if req.Status == models.SubscriptionStatusCanceled {
			req.Kind = models.KindSubscriptionCanceled
		}
	}

	var res EndSubscriptionResult
	err := s.withRetry(ctx, func(tx Store) error {
		res = EndSubscriptionResult{}
		if req.EventKey != "" {
			if _, err := tx.FindActivityByEventKey(ctx, req.EventKey); err == nil {
				return ErrDuplicateEvent
			} else if !errors.Is(err, ErrActivityNotFound) {
				return err
			}
		}

		acct, err := tx.GetAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.ProviderSubscriptionID != "" && acct.ProviderSubscriptionID != "" &&
			acct.ProviderSubscriptionID != req.ProviderSubscriptionID {
			return ErrStaleSubscription
		}

		active := acct.SubscriptionStatus == models.SubscriptionStatusActive
		if req.OnlyIfEndedBefore != nil && active &&
			(acct.SubscriptionEndDate == nil || !acct.SubscriptionEndDate.Before(*req.OnlyIfEndedBefore)) {
			return nil
		}
		if !active && acct.SubscriptionCredits == 0 {
			return nil
		}

		now := s.now()
		res.Cleared = acct.SubscriptionCredits
		acct.SubscriptionCredits = 0
		if active {
			acct.SubscriptionStatus = req.Status
			acct.SubscriptionEndDate = &now
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		meta := req.Metadata
		meta.Reason = req.Reason
		meta.ClearedAmount = res.Cleared
		meta.Pool = models.CreditPoolSubscription
		rec := s.newActivity(acct.UserID, models.ActivitySubscriptionExpired, req.Kind, models.Int64Ptr(-res.Cleared), meta, req.EventKey)
		if err := tx.AppendActivity(ctx, rec); err != nil {
			return err
		}
		res.Changed = true
		return nil
	})
	if err != nil {
		s.observe("end_subscription", err)
		return nil, err
	}
	if !res.Changed {
		s.metrics.LedgerOp("end_subscription", "noop")
		return &res, nil
	}
	s.observe("end_subscription", nil)
	log.Infof("[Credits] Subscription ended: user=%d status=%s cleared=%d reason=%s", req.UserID, req.Status, res.Cleared, req.Reason)

	s.publish(ctx, events.LedgerEvent{
		RoutingKey: events.RoutingSubscriptionEnded,
		UserID:     req.UserID,
		Amount:     -res.Cleared,
		Kind:       string(req.Kind),
		Status:     req.Status,
		EventKey:   req.EventKey,
		Attributes: map[string]string{"reason": req.Reason},
	})
	return &res, nil
}

// OpenAccount creates the balance for a newly registered user with bonus
// permanent credits. Opening an existing account returns it unchanged.
func (s *Service) OpenAccount(ctx context.Context, userID uint, bonus int64) (*models.CreditAccount, error) {
	if userID == 0 || bonus < 0 {
		return nil, ErrInvalidAmount
	}

	var opened *models.CreditAccount
	err := s.store.Transaction(ctx, func(tx Store) error {
		acct := &models.CreditAccount{
			UserID:             userID,
			PermanentCredits:   bonus,
			SubscriptionStatus: models.SubscriptionStatusNone,
		}
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		rec := s.newActivity(userID, models.ActivityRegistrationBonus, models.KindRegistrationBonus,
			models.Int64Ptr(bonus), models.ActivityMetadata{Pool: models.CreditPoolPermanent},
			"registration:"+strconv.FormatUint(uint64(userID), 10))
		if err := tx.AppendActivity(ctx, rec); err != nil {
			return err
		}
		opened = acct
		return nil
	})
	if errors.Is(err, ErrAccountExists) || errors.Is(err, ErrDuplicateEvent) {
		return s.store.GetAccount(ctx, userID)
	}
	if err != nil {
		s.observe("open", err)
		return nil, err
	}
	s.observe("open", nil)
	log.Infof("[Credits] Account opened: user=%d bonus=%d", userID, bonus)

	s.publish(ctx, events.LedgerEvent{
		RoutingKey: events.RoutingCreditsCredited,
		UserID:     userID,
		Amount:     bonus,
		Kind:       string(models.KindRegistrationBonus),
		Remaining:  bonus,
	})
	return opened, nil
}

// Balance returns the current balance of a user.
func (s *Service) Balance(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	return s.store.GetAccount(ctx, userID)
}

// HasActiveSubscription reports whether the user holds a live subscription.
func (s *Service) HasActiveSubscription(ctx context.Context, userID uint) (bool, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return acct.HasActiveSubscription(s.now()), nil
}

// ActivityPage is one page of the activity log, newest first.
type ActivityPage struct {
	Items   []models.CreditActivity `json:"items"`
	Page    int                     `json:"page"`
	PerPage int                     `json:"per_page"`
	HasMore bool                    `json:"has_more"`
}

// Activities returns a page of the activity log. Pages start at 1.
func (s *Service) Activities(ctx context.Context, userID uint, page, perPage int) (*ActivityPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	items, err := s.store.ListActivities(ctx, userID, perPage+1, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	out := &ActivityPage{Page: page, PerPage: perPage}
	if len(items) > perPage {
		out.HasMore = true
		items = items[:perPage]
	}
	out.Items = items
	return out, nil
}

// FindActivityByEventKey returns the activity that applied an external event.
func (s *Service) FindActivityByEventKey(ctx context.Context, eventKey string) (*models.CreditActivity, error) {
	return s.store.FindActivityByEventKey(ctx, eventKey)
}

// SweepCandidates lists accounts the expiry sweeper has to look at, one page
// of up to limit accounts with a user id above afterUserID.
func (s *Service) SweepCandidates(ctx context.Context, now time.Time, afterUserID uint, limit int) ([]models.CreditAccount, error) {
	return s.store.ListSweepCandidates(ctx, now, afterUserID, limit)
}

// withRetry runs fn in a transaction and retries on optimistic conflicts. An
// account created by a concurrent transaction counts as a conflict too.
func (s *Service) withRetry(ctx context.Context, fn func(tx Store) error) error {
	var err error
	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		err = s.store.Transaction(ctx, fn)
		if errors.Is(err, ErrAccountExists) {
			err = fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt == s.policy.MaxRetries {
			break
		}
		delay := s.policy.RetryBackoff * time.Duration(attempt+1)
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	log.Errorf("[Credits] Giving up after %d version conflicts", s.policy.MaxRetries+1)
	return err
}

func (s *Service) newActivity(userID uint, typ models.ActivityType, kind models.ActivityKind, amount *int64, meta models.ActivityMetadata, eventKey string) *models.CreditActivity {
	rec := &models.CreditActivity{
		PublicID:     uuid.NewString(),
		UserID:       userID,
		Type:         typ,
		Description:  kind,
		CreditAmount: amount,
		CreatedAt:    s.now(),
	}
	if eventKey != "" {
		key := eventKey
		rec.EventKey = &key
		meta.EventKey = eventKey
	}
	rec.Metadata = meta.JSON()
	return rec
}

func (s *Service) observe(op string, err error) {
	switch {
	case err == nil:
		s.metrics.LedgerOp(op, "ok")
	case errors.Is(err, ErrDuplicateEvent):
		s.metrics.LedgerOp(op, "duplicate")
	case errors.Is(err, ErrInsufficientCredits):
		s.metrics.LedgerOp(op, "insufficient")
	case IsUserFacing(err) || errors.Is(err, ErrStaleSubscription):
		s.metrics.LedgerOp(op, "rejected")
	default:
		s.metrics.LedgerOp(op, "error")
		log.Errorf("[Credits] %s failed: %v", op, err)
	}
}

func (s *Service) publish(ctx context.Context, ev events.LedgerEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warnf("[Credits] Publish %s failed: user=%d err=%v", ev.RoutingKey, ev.UserID, err)
	}
}
