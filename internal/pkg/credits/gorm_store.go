package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// GormStore is the Store backed by the application database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store from a GORM handle. The handle should be opened
// with TranslateError enabled so unique violations surface as
// gorm.ErrDuplicatedKey.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Transaction runs fn in a database transaction. Lock contention reported by
// the database comes back as ErrVersionConflict and is retried like a lost
// update.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
	if isLockContention(err) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

func (s *GormStore) GetAccount(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	var acct models.CreditAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func (s *GormStore) CreateAccount(ctx context.Context, acct *models.CreditAccount) error {
	err := s.db.WithContext(ctx).Create(acct).Error
	if isDuplicateKey(err) {
		return ErrAccountExists
	}
	return err
}

func (s *GormStore) SaveAccount(ctx context.Context, acct *models.CreditAccount) error {
	expected := acct.Version
	res := s.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("user_id = ? AND version = ?", acct.UserID, expected).
		Updates(map[string]interface{}{
			"permanent_credits":        acct.PermanentCredits,
			"subscription_credits":     acct.SubscriptionCredits,
			"subscription_status":      acct.SubscriptionStatus,
			"subscription_plan":        acct.SubscriptionPlan,
			"subscription_start_date":  acct.SubscriptionStartDate,
			"subscription_end_date":    acct.SubscriptionEndDate,
			"provider_subscription_id": acct.ProviderSubscriptionID,
			"version":                  expected + 1,
			"updated_at":               time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	acct.Version = expected + 1
	return nil
}

func (s *GormStore) AppendActivity(ctx context.Context, rec *models.CreditActivity) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if isDuplicateKey(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *GormStore) FindActivityByEventKey(ctx context.Context, eventKey string) (*models.CreditActivity, error) {
	var rec models.CreditActivity
	err := s.db.WithContext(ctx).Where("event_key = ?", eventKey).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActivityNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) ListActivities(ctx context.Context, userID uint, limit, offset int) ([]models.CreditActivity, error) {
	var recs []models.CreditActivity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	return recs, err
}

func (s *GormStore) ListSweepCandidates(ctx context.Context, now time.Time, afterUserID uint, limit int) ([]models.CreditAccount, error) {
	var accts []models.CreditAccount
	err := s.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Where("(subscription_status = ? AND subscription_end_date < ?) OR (subscription_status <> ? AND subscription_credits > 0)",
			models.SubscriptionStatusActive, now, models.SubscriptionStatusActive).
		Order("user_id ASC").
		Limit(limit).
		Find(&accts).Error
	return accts, err
}

func isLockContention(err error) bool {
	if err == nil || errors.Is(err, ErrVersionConflict) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock found") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isDuplicateKey detects unique violations. TranslateError covers MySQL and
// SQLite; the message check catches handles opened without it.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint failed")
}
