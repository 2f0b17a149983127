package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// ErrNotFound is returned by Repository lookups that match nothing.
var ErrNotFound = errors.New("billing: record not found")

// Repository provides DB operations used by the reconciler.
type Repository interface {
	FindActivePlan(ctx context.Context, planID string) (*models.BillingPlan, error)
	FindActivePlanByPriceRef(ctx context.Context, priceRef string) (*models.BillingPlan, error)
	UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error
	GetBillingAccountByCustomerID(ctx context.Context, provider, customerID string) (*models.BillingAccount, error)
	RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlan(ctx context.Context, planID string) (*models.BillingPlan, error) {
	var p models.BillingPlan
	err := r.db.WithContext(ctx).
		Where("plan_id = ? AND is_active = ?", planID, true).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *gormRepository) FindActivePlanByPriceRef(ctx context.Context, priceRef string) (*models.BillingPlan, error) {
	var p models.BillingPlan
	err := r.db.WithContext(ctx).
		Where("provider_price_ref = ? AND is_active = ?", priceRef, true).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *gormRepository) UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_customer_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return db.Where("provider = ? AND provider_customer_id = ?", account.Provider, account.ProviderCustomerID).
		First(account).Error
}

func (r *gormRepository) GetBillingAccountByCustomerID(ctx context.Context, provider, customerID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_customer_id = ?", provider, customerID).
		First(&account).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *gormRepository) RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"outcome":          outcome,
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
