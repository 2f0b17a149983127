package models

import "time"

const (
	SubscriptionStatusNone     = "none"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// CreditPool selects which balance counter a credit lands in.
type CreditPool string

const (
	CreditPoolPermanent    CreditPool = "permanent"
	CreditPoolSubscription CreditPool = "subscription"
)

// CreditAccount is the per-user spendable balance. Permanent credits never
// expire; subscription credits are granted per billing cycle and zeroed when
// the subscription ends.
type CreditAccount struct {
	UserID                 uint       `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	PermanentCredits       int64      `gorm:"not null;default:0" json:"permanent_credits"`
	SubscriptionCredits    int64      `gorm:"not null;default:0" json:"subscription_credits"`
	SubscriptionStatus     string     `gorm:"type:varchar(16);not null;default:'none';index:idx_credit_accounts_status_end,priority:1" json:"subscription_status"`
	SubscriptionPlan       *string    `gorm:"type:varchar(64);default:null" json:"subscription_plan,omitempty"`
	SubscriptionStartDate  *time.Time `gorm:"type:timestamp;default:null" json:"subscription_start_date,omitempty"`
	SubscriptionEndDate    *time.Time `gorm:"type:timestamp;default:null;index:idx_credit_accounts_status_end,priority:2" json:"subscription_end_date,omitempty"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;default:''" json:"-"`
	Version                uint64     `gorm:"not null;default:0" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TotalCredits returns the spendable balance across both pools.
func (a *CreditAccount) TotalCredits() int64 {
	return a.PermanentCredits + a.SubscriptionCredits
}

// HasActiveSubscription reports whether the account holds a live, unexpired
// subscription at the given instant.
func (a *CreditAccount) HasActiveSubscription(now time.Time) bool {
	return a != nil &&
		a.SubscriptionStatus == SubscriptionStatusActive &&
		a.SubscriptionEndDate != nil &&
		a.SubscriptionEndDate.After(now)
}

// PlanName returns the subscription plan or an empty string.
func (a *CreditAccount) PlanName() string {
	if a == nil || a.SubscriptionPlan == nil {
		return ""
	}
	return *a.SubscriptionPlan
}

// Clone returns a deep copy so callers can stage changes without aliasing
// pointer fields of the stored record.
func (a CreditAccount) Clone() CreditAccount {
	out := a
	if a.SubscriptionPlan != nil {
		p := *a.SubscriptionPlan
		out.SubscriptionPlan = &p
	}
	if a.SubscriptionStartDate != nil {
		t := *a.SubscriptionStartDate
		out.SubscriptionStartDate = &t
	}
	if a.SubscriptionEndDate != nil {
		t := *a.SubscriptionEndDate
		out.SubscriptionEndDate = &t
	}
	return out
}
