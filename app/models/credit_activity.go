package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ActivityType classifies an activity record.
type ActivityType string

const (
	ActivityCreditDeduct          ActivityType = "credit_deduct"
	ActivityCreditAdd             ActivityType = "credit_add"
	ActivityRegistrationBonus     ActivityType = "registration_bonus"
	ActivitySubscriptionActivated ActivityType = "subscription_activated"
	ActivitySubscriptionRenewal   ActivityType = "subscription_renewal"
	ActivitySubscriptionExpired   ActivityType = "subscription_expired"
	ActivityImageGeneration       ActivityType = "image_generation"
	ActivityLogin                 ActivityType = "login"
	ActivityOther                 ActivityType = "other"
)

// ActivityKind is the stable, presentation-free description of an activity.
// Rendering it into a human sentence is the job of the UI layer.
type ActivityKind string

const (
	KindRegistrationBonus    ActivityKind = "registration_bonus"
	KindOneTimePurchase      ActivityKind = "one_time_purchase"
	KindSubscriptionStarted  ActivityKind = "subscription_started"
	KindSubscriptionRenewed  ActivityKind = "subscription_renewed"
	KindSubscriptionCanceled ActivityKind = "subscription_canceled"
	KindSubscriptionExpired  ActivityKind = "subscription_expired"
	KindPaymentFailed        ActivityKind = "payment_failed"
	KindImageTransform       ActivityKind = "image_transform"
	KindManualAdjustment     ActivityKind = "manual_adjustment"
)

// CreditActivity is an append-only ledger entry. A non-null EventKey marks the
// record as the application of an external payment event; the unique index on
// it is what makes re-application impossible.
type CreditActivity struct {
	ID           uint           `gorm:"primaryKey" json:"-"`
	PublicID     string         `gorm:"type:char(36);uniqueIndex;not null" json:"id"`
	UserID       uint           `gorm:"not null;index:idx_credit_activities_user_created,priority:1" json:"user_id"`
	Type         ActivityType   `gorm:"type:varchar(32);not null;index" json:"type"`
	Description  ActivityKind   `gorm:"type:varchar(64);not null" json:"description"`
	CreditAmount *int64         `gorm:"default:null" json:"credit_amount,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	EventKey     *string        `gorm:"type:varchar(191);uniqueIndex:ux_credit_activities_event_key;default:null" json:"event_key,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index:idx_credit_activities_user_created,priority:2" json:"created_at"`
}

// ActivityMetadata is the structured payload stored with an activity.
// Unknown keys land in Extra.
type ActivityMetadata struct {
	EventKey         string            `json:"event_key,omitempty"`
	EventType        string            `json:"event_type,omitempty"`
	Source           string            `json:"source,omitempty"`
	PlanID           string            `json:"plan_id,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	InvoiceID        string            `json:"invoice_id,omitempty"`
	SubscriptionID   string            `json:"subscription_id,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	FromSubscription int64             `json:"from_subscription,omitempty"`
	FromPermanent    int64             `json:"from_permanent,omitempty"`
	ClearedAmount    int64             `json:"cleared_amount,omitempty"`
	Pool             CreditPool        `json:"pool,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// JSON encodes the metadata for storage. A marshal failure cannot happen for
// this shape, so it degrades to an empty object.
func (m ActivityMetadata) JSON() datatypes.JSON {
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

// DecodeMetadata parses the stored metadata blob.
func (a *CreditActivity) DecodeMetadata() (ActivityMetadata, error) {
	var m ActivityMetadata
	if len(a.Metadata) == 0 {
		return m, nil
	}
	err := json.Unmarshal(a.Metadata, &m)
	return m, err
}

// Int64Ptr is a small helper for nullable credit amounts.
func Int64Ptr(v int64) *int64 {
	return &v
}
