package paidop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
)

var (
	// ErrOperationFailed means the backend reported failure. Nothing was
	// charged.
	ErrOperationFailed = errors.New("paidop: operation failed")
	ErrInvalidCost     = errors.New("paidop: cost must be positive")
)

// RateLimitError is returned when the user exceeded the paid operation rate.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("paidop: rate limited, retry after %s", e.RetryAfter)
}

// Result is the outcome of a guarded operation.
type Result struct {
	Output *Output `json:"output"`
	// Charged is false only when a concurrent spend drained the balance
	// between the pre-check and the debit.
	Charged   bool                 `json:"charged"`
	Debit     *credits.DebitResult `json:"debit,omitempty"`
	Remaining int64                `json:"remaining"`
}

// Guard runs paid work in the order check balance, perform, debit on
// success.
type Guard struct {
	credits   *credits.Service
	performer Performer
	limiter   Limiter
}

func NewGuard(svc *credits.Service, performer Performer, limiter Limiter) *Guard {
	return &Guard{credits: svc, performer: performer, limiter: limiter}
}

func (g *Guard) Run(ctx context.Context, userID uint, cost int64, in Input) (*Result, error) {
	if cost <= 0 {
		return nil, ErrInvalidCost
	}

	if g.limiter != nil {
		allowed, retryAfter, err := g.limiter.Allow(ctx, userID)
		if err != nil {
			// The ledger stays correct without the limiter.
			log.Warnf("[PaidOp] Rate limiter unavailable, admitting request: user=%d err=%v", userID, err)
		} else if !allowed {
			return nil, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	acct, err := g.credits.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct.TotalCredits() < cost {
		log.Infof("[PaidOp] Rejected before work: user=%d cost=%d balance=%d", userID, cost, acct.TotalCredits())
		return nil, credits.ErrInsufficientCredits
	}

	in.UserID = userID
	out, err := g.performer.Perform(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	if out == nil || !out.Success {
		reason := "no output"
		if out != nil {
			reason = out.Error
		}
		log.Infof("[PaidOp] Operation failed, not charged: user=%d op=%s reason=%s", userID, in.Operation, reason)
		return &Result{Output: out, Remaining: acct.TotalCredits()}, ErrOperationFailed
	}

	debit, err := g.credits.Debit(ctx, credits.DebitRequest{
		UserID: userID,
		Amount: cost,
		Kind:   models.KindImageTransform,
		Metadata: models.ActivityMetadata{
			Source: "paid_operation",
			Extra:  map[string]string{"operation": in.Operation, "request_id": in.RequestID},
		},
	})
	if errors.Is(err, credits.ErrInsufficientCredits) {
		log.Warnf("[PaidOp] Balance drained by a concurrent spend, work delivered uncharged: user=%d op=%s cost=%d", userID, in.Operation, cost)
		remaining := int64(0)
		if latest, berr := g.credits.Balance(ctx, userID); berr == nil {
			remaining = latest.TotalCredits()
		}
		return &Result{Output: out, Remaining: remaining}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Output: out, Charged: true, Debit: debit, Remaining: debit.Remaining}, nil
}
