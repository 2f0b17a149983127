package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

const defaultBatchSize = 200

// Report summarizes one sweep.
type Report struct {
	Scanned int       `json:"scanned"`
	Expired int       `json:"expired"`
	Cleared int       `json:"cleared"`
	Failed  int       `json:"failed"`
	RanAt   time.Time `json:"ran_at"`
}

// Sweeper moves subscriptions whose end date passed without a processor
// event into the expired state and clears leftover subscription credits on
// inactive accounts.
type Sweeper struct {
	credits   *credits.Service
	metrics   *metrics.Recorder
	batchSize int
}

type Option func(*Sweeper)

func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Sweeper) { s.metrics = r }
}

// WithBatchSize sets how many candidates are loaded per query.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(svc *credits.Service, opts ...Option) *Sweeper {
	s := &Sweeper{credits: svc, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs one full pass. Candidates are paged by user id, so an
// account that keeps failing never hides the ones after it. Accounts fixed by
// the pass drop out of the candidate set and a second pass over unchanged
// data writes nothing.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{RanAt: now}
	var after uint

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.credits.SweepCandidates(ctx, now, after, s.batchSize)
		if err != nil {
			return report, err
		}

		for i := range batch {
			acct := &batch[i]
			after = acct.UserID
			report.Scanned++
			s.sweepAccount(ctx, acct, now, report)
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	if report.Expired > 0 || report.Cleared > 0 || report.Failed > 0 {
		log.Infof("[Sweeper] Sweep finished: scanned=%d expired=%d cleared=%d failed=%d",
			report.Scanned, report.Expired, report.Cleared, report.Failed)
	}
	return report, nil
}

func (s *Sweeper) sweepAccount(ctx context.Context, acct *models.CreditAccount, now time.Time, report *Report) {
	if acct.SubscriptionStatus == models.SubscriptionStatusActive {
		res, err := s.credits.EndSubscription(ctx, credits.EndSubscriptionRequest{
			UserID:            acct.UserID,
			Status:            models.SubscriptionStatusExpired,
			Kind:              models.KindSubscriptionExpired,
			Reason:            "period_ended",
			OnlyIfEndedBefore: &now,
		})
		if err != nil {
			s.fail(acct.UserID, "expire", err, report)
			return
		}
		if res.Changed {
			report.Expired++
			s.metrics.SweptAccount("expired")
		}
		return
	}

	cleared, err := s.credits.ClearSubscriptionCredits(ctx, acct.UserID, "subscription_inactive")
	if err != nil {
		s.fail(acct.UserID, "clear", err, report)
		return
	}
	if cleared > 0 {
		report.Cleared++
		s.metrics.SweptAccount("cleared")
	}
}

func (s *Sweeper) fail(userID uint, action string, err error, report *Report) {
	// An account that vanished between listing and fixing is not a failure.
	if errors.Is(err, credits.ErrAccountNotFound) {
		return
	}
	report.Failed++
	s.metrics.SweptAccount("failed")
	log.Errorf("[Sweeper] Failed to %s account: user=%d err=%v", action, userID, err)
}
