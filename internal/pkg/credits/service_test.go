package credits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelForge/app/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, opts...)
}

func seedAccount(t *testing.T, store Store, acct models.CreditAccount) {
	t.Helper()
	if acct.SubscriptionStatus == "" {
		acct.SubscriptionStatus = models.SubscriptionStatusNone
	}
	require.NoError(t, store.CreateAccount(context.Background(), &acct))
}

func TestDebit_SubscriptionPoolFirst(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 20, SubscriptionCredits: 30})
	svc := newTestService(t, store)

	res, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 35, Kind: models.KindImageTransform})
	require.NoError(t, err)
	assert.Equal(t, int64(35), res.Deducted)
	assert.Equal(t, int64(30), res.FromSubscription)
	assert.Equal(t, int64(5), res.FromPermanent)
	assert.Equal(t, int64(15), res.Remaining)

	acct, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.SubscriptionCredits)
	assert.Equal(t, int64(15), acct.PermanentCredits)

	page, err := svc.Activities(context.Background(), 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	rec := page.Items[0]
	assert.Equal(t, models.ActivityCreditDeduct, rec.Type)
	assert.Equal(t, models.KindImageTransform, rec.Description)
	require.NotNil(t, rec.CreditAmount)
	assert.Equal(t, int64(-35), *rec.CreditAmount)
	meta, err := rec.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(30), meta.FromSubscription)
	assert.Equal(t, int64(5), meta.FromPermanent)
}

func TestDebit_PermanentFirstPolicy(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 20, SubscriptionCredits: 30})
	policy := DefaultPolicy()
	policy.DebitOrder = DebitPermanentFirst
	svc := newTestService(t, store, WithPolicy(policy))

	res, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 35})
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.FromSubscription)
	assert.Equal(t, int64(20), res.FromPermanent)
}

func TestDebit_InsufficientLeavesBalanceUnchanged(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 5, SubscriptionCredits: 5})
	svc := newTestService(t, store)

	_, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 20})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	acct, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.PermanentCredits)
	assert.Equal(t, int64(5), acct.SubscriptionCredits)

	page, err := svc.Activities(context.Background(), 1, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestDebit_Validation(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	_, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 3})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// contendedStore holds each transaction open for a moment after it reads an
// account, so concurrent debits overlap, and counts the ones that lost the
// version check.
type contendedStore struct {
	Store
	conflicts atomic.Int64
}

func (c *contendedStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	err := c.Store.Transaction(ctx, func(tx Store) error {
		return fn(&slowReadTx{Store: tx})
	})
	if errors.Is(err, ErrVersionConflict) {
		c.conflicts.Add(1)
	}
	return err
}

type slowReadTx struct {
	Store
}

func (s *slowReadTx) GetAccount(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	acct, err := s.Store.GetAccount(ctx, userID)
	time.Sleep(200 * time.Microsecond)
	return acct, err
}

// concurrentDebits starts workers debits of amount against user 1 at the same
// moment and counts the outcomes.
func concurrentDebits(t *testing.T, svc *Service, workers int, amount int64) (ok, insufficient int64) {
	t.Helper()
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: amount})
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrInsufficientCredits):
				atomic.AddInt64(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return ok, insufficient
}

func TestDebit_ConcurrentNeverOverspends(t *testing.T) {
	const (
		workers = 50
		amount  = 7
		k       = 12
	)
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 4 * amount, SubscriptionCredits: (k - 4) * amount})
	contended := &contendedStore{Store: store}
	svc := newTestService(t, contended, WithPolicy(Policy{MaxRetries: 200, RetryBackoff: 100 * time.Microsecond}))

	ok, insufficient := concurrentDebits(t, svc, workers, amount)

	assert.Equal(t, int64(k), ok)
	assert.Equal(t, int64(workers-k), insufficient)
	assert.Positive(t, contended.conflicts.Load(), "debits never raced on the account version")

	acct, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.TotalCredits())
	assert.GreaterOrEqual(t, acct.PermanentCredits, int64(0))
	assert.GreaterOrEqual(t, acct.SubscriptionCredits, int64(0))
	assert.Equal(t, uint64(k), acct.Version)

	page, err := svc.Activities(context.Background(), 1, 1, 100)
	require.NoError(t, err)
	assert.Len(t, page.Items, k)
}

func TestMemoryStore_CommitRejectsStaleWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 10})

	err := store.Transaction(ctx, func(tx Store) error {
		acct, err := tx.GetAccount(ctx, 1)
		require.NoError(t, err)

		// Another writer commits between this read and the commit below.
		require.NoError(t, store.Transaction(ctx, func(other Store) error {
			fresh, err := other.GetAccount(ctx, 1)
			require.NoError(t, err)
			fresh.PermanentCredits = 1
			return other.SaveAccount(ctx, fresh)
		}))

		acct.PermanentCredits = 5
		return tx.SaveAccount(ctx, acct)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	acct, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.PermanentCredits)
	assert.Equal(t, uint64(1), acct.Version)
}

func TestMemoryStore_CommitRejectsDuplicateEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, store, models.CreditAccount{UserID: 1})
	key := "cs_race"

	err := store.Transaction(ctx, func(tx Store) error {
		_, err := tx.FindActivityByEventKey(ctx, key)
		require.ErrorIs(t, err, ErrActivityNotFound)

		require.NoError(t, store.Transaction(ctx, func(other Store) error {
			return other.AppendActivity(ctx, &models.CreditActivity{UserID: 1, EventKey: &key})
		}))

		k := key
		return tx.AppendActivity(ctx, &models.CreditActivity{UserID: 1, EventKey: &k})
	})
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	page, err := store.ListActivities(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// conflictStore makes SaveAccount report a version conflict for the first
// remaining calls, the way a concurrent writer would.
type conflictStore struct {
	Store
	remaining int
	attempts  atomic.Int32
}

func (c *conflictStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	c.attempts.Add(1)
	return c.Store.Transaction(ctx, func(tx Store) error {
		return fn(&conflictTx{Store: tx, parent: c})
	})
}

type conflictTx struct {
	Store
	parent *conflictStore
}

func (c *conflictTx) SaveAccount(ctx context.Context, acct *models.CreditAccount) error {
	if c.parent.remaining > 0 {
		c.parent.remaining--
		return ErrVersionConflict
	}
	return c.Store.SaveAccount(ctx, acct)
}

func TestDebit_RetriesVersionConflicts(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 10})
	conflicting := &conflictStore{Store: store, remaining: 3}
	svc := newTestService(t, conflicting, WithPolicy(Policy{MaxRetries: 5, RetryBackoff: time.Millisecond}))

	res, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Remaining)
	assert.Equal(t, int32(4), conflicting.attempts.Load())
}

func TestDebit_GivesUpAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, PermanentCredits: 10})
	conflicting := &conflictStore{Store: store, remaining: 100}
	svc := newTestService(t, conflicting, WithPolicy(Policy{MaxRetries: 2, RetryBackoff: time.Millisecond}))

	_, err := svc.Debit(context.Background(), DebitRequest{UserID: 1, Amount: 4})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, IsTransient(err))

	acct, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.PermanentCredits)
}

func TestCredit_PoolsAndEventKey(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1})
	svc := newTestService(t, store)
	ctx := context.Background()

	res, err := svc.Credit(ctx, CreditRequest{UserID: 1, Amount: 100, Pool: models.CreditPoolPermanent, Kind: models.KindOneTimePurchase, EventKey: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Remaining)

	_, err = svc.Credit(ctx, CreditRequest{UserID: 1, Amount: 100, Pool: models.CreditPoolPermanent, EventKey: "cs_1"})
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	res, err = svc.Credit(ctx, CreditRequest{UserID: 1, Amount: 0, Pool: models.CreditPoolSubscription})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Remaining)

	acct, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.PermanentCredits)
	assert.Equal(t, int64(0), acct.SubscriptionCredits)

	rec, err := svc.FindActivityByEventKey(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, models.KindOneTimePurchase, rec.Description)

	_, err = svc.Credit(ctx, CreditRequest{UserID: 1, Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCredit_SubscriptionActivationAndGuard(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	end := testNow.Add(30 * 24 * time.Hour)

	req := CreditRequest{
		UserID:          7,
		Amount:          500,
		Pool:            models.CreditPoolSubscription,
		Type:            models.ActivitySubscriptionActivated,
		Kind:            models.KindSubscriptionStarted,
		EventKey:        "cs_sub",
		CreateIfMissing: true,
		Subscription: &SubscriptionChange{
			Plan:                   "pro",
			StartDate:              testNow,
			EndDate:                end,
			ProviderSubscriptionID: "sub_1",
		},
		RequireNoActiveSubscription: true,
	}
	res, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, res.Account.SubscriptionStatus)
	assert.Equal(t, "pro", res.Account.PlanName())
	assert.True(t, res.Account.SubscriptionEndDate.Equal(end))

	active, err := svc.HasActiveSubscription(ctx, 7)
	require.NoError(t, err)
	assert.True(t, active)

	req.EventKey = "cs_sub_2"
	_, err = svc.Credit(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	acct, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.SubscriptionCredits)
}

func TestCredit_RenewalExtendsEndOnly(t *testing.T) {
	store := NewMemoryStore()
	oldEnd := testNow.Add(2 * time.Hour)
	plan := "pro"
	seedAccount(t, store, models.CreditAccount{
		UserID:              1,
		SubscriptionCredits: 10,
		SubscriptionStatus:  models.SubscriptionStatusActive,
		SubscriptionPlan:    &plan,
		SubscriptionEndDate: &oldEnd,
	})
	svc := newTestService(t, store)
	ctx := context.Background()

	newEnd := oldEnd.Add(30 * 24 * time.Hour)
	_, err := svc.Credit(ctx, CreditRequest{
		UserID: 1, Amount: 500, Pool: models.CreditPoolSubscription,
		Type: models.ActivitySubscriptionRenewal, Kind: models.KindSubscriptionRenewed,
		Subscription: &SubscriptionChange{EndDate: newEnd, ExtendOnly: true},
	})
	require.NoError(t, err)

	// An older period end never moves the date backwards.
	_, err = svc.Credit(ctx, CreditRequest{
		UserID: 1, Amount: 0, Pool: models.CreditPoolSubscription,
		Subscription: &SubscriptionChange{EndDate: oldEnd, ExtendOnly: true},
	})
	require.NoError(t, err)

	acct, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(510), acct.SubscriptionCredits)
	assert.Equal(t, models.SubscriptionStatusActive, acct.SubscriptionStatus)
	assert.True(t, acct.SubscriptionEndDate.Equal(newEnd))
}

func TestClearSubscriptionCredits_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1, SubscriptionCredits: 40, PermanentCredits: 3})
	svc := newTestService(t, store)
	ctx := context.Background()

	cleared, err := svc.ClearSubscriptionCredits(ctx, 1, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(40), cleared)

	cleared, err = svc.ClearSubscriptionCredits(ctx, 1, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cleared)

	page, err := svc.Activities(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.ActivitySubscriptionExpired, page.Items[0].Type)
	assert.Equal(t, int64(-40), *page.Items[0].CreditAmount)

	acct, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.PermanentCredits)
}

func TestEndSubscription(t *testing.T) {
	end := testNow.Add(-time.Hour)
	plan := "pro"
	newStore := func() *MemoryStore {
		store := NewMemoryStore()
		seedAccount(t, store, models.CreditAccount{
			UserID:                 1,
			PermanentCredits:       9,
			SubscriptionCredits:    50,
			SubscriptionStatus:     models.SubscriptionStatusActive,
			SubscriptionPlan:       &plan,
			SubscriptionEndDate:    &end,
			ProviderSubscriptionID: "sub_1",
		})
		return store
	}
	ctx := context.Background()

	t.Run("cancel clears and transitions", func(t *testing.T) {
		svc := newTestService(t, newStore())
		res, err := svc.EndSubscription(ctx, EndSubscriptionRequest{
			UserID: 1, Status: models.SubscriptionStatusCanceled, EventKey: "evt_1", ProviderSubscriptionID: "sub_1",
		})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, int64(50), res.Cleared)

		acct, err := svc.Balance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusCanceled, acct.SubscriptionStatus)
		assert.Equal(t, int64(0), acct.SubscriptionCredits)
		assert.Equal(t, int64(9), acct.PermanentCredits)
		assert.True(t, acct.SubscriptionEndDate.Equal(testNow))

		_, err = svc.EndSubscription(ctx, EndSubscriptionRequest{UserID: 1, Status: models.SubscriptionStatusCanceled, EventKey: "evt_1"})
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		res, err = svc.EndSubscription(ctx, EndSubscriptionRequest{UserID: 1, Status: models.SubscriptionStatusExpired})
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("stale subscription is rejected", func(t *testing.T) {
		svc := newTestService(t, newStore())
		_, err := svc.EndSubscription(ctx, EndSubscriptionRequest{
			UserID: 1, Status: models.SubscriptionStatusCanceled, ProviderSubscriptionID: "sub_old",
		})
		assert.ErrorIs(t, err, ErrStaleSubscription)

		acct, err := svc.Balance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusActive, acct.SubscriptionStatus)
	})

	t.Run("renewed account is left alone", func(t *testing.T) {
		svc := newTestService(t, newStore())
		before := end.Add(-time.Minute)
		res, err := svc.EndSubscription(ctx, EndSubscriptionRequest{
			UserID: 1, Status: models.SubscriptionStatusExpired, OnlyIfEndedBefore: &before,
		})
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("invalid status", func(t *testing.T) {
		svc := newTestService(t, newStore())
		_, err := svc.EndSubscription(ctx, EndSubscriptionRequest{UserID: 1, Status: models.SubscriptionStatusActive})
		assert.Error(t, err)
	})
}

func TestOpenAccount_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	acct, err := svc.OpenAccount(ctx, 3, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.PermanentCredits)
	assert.Equal(t, models.SubscriptionStatusNone, acct.SubscriptionStatus)

	acct, err = svc.OpenAccount(ctx, 3, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.PermanentCredits)

	page, err := svc.Activities(ctx, 3, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.ActivityRegistrationBonus, page.Items[0].Type)
}

func TestActivities_Pagination(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store, models.CreditAccount{UserID: 1})
	svc := newTestService(t, store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, CreditRequest{UserID: 1, Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	page, err := svc.Activities(ctx, 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(5), *page.Items[0].CreditAmount)

	page, err = svc.Activities(ctx, 1, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(1), *page.Items[0].CreditAmount)
}
