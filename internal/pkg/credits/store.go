package credits

import (
	"context"
	"time"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// Store persists balances and the activity log. Every mutation performed by
// the Service runs inside Transaction, so a balance write and its activity
// record commit or roll back together.
type Store interface {
	// Transaction runs fn atomically. The Store passed to fn is bound to the
	// transaction and must be used for every read and write inside it.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetAccount(ctx context.Context, userID uint) (*models.CreditAccount, error)
	CreateAccount(ctx context.Context, acct *models.CreditAccount) error
	// SaveAccount writes acct if the stored version still equals acct.Version
	// and bumps acct.Version on success. It returns ErrVersionConflict
	// otherwise.
	SaveAccount(ctx context.Context, acct *models.CreditAccount) error

	// AppendActivity inserts rec. It returns ErrDuplicateEvent when
	// rec.EventKey is already present.
	AppendActivity(ctx context.Context, rec *models.CreditActivity) error
	FindActivityByEventKey(ctx context.Context, eventKey string) (*models.CreditActivity, error)
	ListActivities(ctx context.Context, userID uint, limit, offset int) ([]models.CreditActivity, error)

	// ListSweepCandidates returns accounts whose active subscription ended
	// before now, and inactive accounts still holding subscription credits,
	// ordered by user id and starting after afterUserID.
	ListSweepCandidates(ctx context.Context, now time.Time, afterUserID uint, limit int) ([]models.CreditAccount, error)
}
