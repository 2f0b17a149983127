package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// expandableID decodes Stripe fields that are either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type rawCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type rawPeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type rawInvoiceLine struct {
	Period   rawPeriod         `json:"period"`
	Metadata map[string]string `json:"metadata"`
	Price    *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

type rawSubscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type rawInvoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	BillingReason string       `json:"billing_reason"`
	AttemptCount  int64        `json:"attempt_count"`
	// Accounts on API versions before 2025-03-31 still send these two at the
	// top level.
	Subscription        expandableID            `json:"subscription"`
	SubscriptionDetails *rawSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *rawSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []rawInvoiceLine `json:"data"`
	} `json:"lines"`
}

type rawSubscription struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// decodeEvent turns the data object of a verified webhook into an Event.
// Unsupported types come back with only ID and Type set.
func decodeEvent(eventID, eventType string, raw []byte) (*Event, error) {
	ev := &Event{ID: eventID, Type: eventType, Payload: raw}
	var err error
	switch eventType {
	case EventCheckoutCompleted:
		err = decodeCheckoutSession(raw, ev)
	case EventCheckoutAsyncPaymentSucceeded:
		ev.Type = EventCheckoutCompleted
		err = decodeCheckoutSession(raw, ev)
		ev.Paid = true
	case EventInvoicePaid, EventPaymentFailed:
		err = decodeInvoice(raw, ev)
	case EventSubscriptionDeleted:
		err = decodeSubscription(raw, ev)
		ev.Key = eventID
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	return ev, nil
}

func decodeCheckoutSession(raw []byte, ev *Event) error {
	var s rawCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	md := parseMetadata(s.Metadata)
	ev.Key = s.ID
	ev.UserID = md.UserID
	ev.PlanID = md.PlanID
	ev.Credits = md.Credits
	ev.Kind = md.Kind
	if ev.Kind == "" {
		ev.Kind = kindFromMode(s.Mode)
	}
	ev.CustomerID = string(s.Customer)
	ev.CustomerEmail = s.CustomerEmail
	if ev.CustomerEmail == "" && s.CustomerDetails != nil {
		ev.CustomerEmail = s.CustomerDetails.Email
	}
	ev.SubscriptionID = string(s.Subscription)
	ev.Paid = isSettled(s.PaymentStatus)
	return nil
}

func decodeInvoice(raw []byte, ev *Event) error {
	var inv rawInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	ev.Key = inv.ID
	if ev.Type == EventPaymentFailed && inv.ID != "" {
		ev.Key = inv.ID + ":payment_failed"
	}
	ev.CustomerID = string(inv.Customer)
	ev.CustomerEmail = inv.CustomerEmail
	ev.BillingReason = inv.BillingReason
	ev.AttemptCount = inv.AttemptCount
	ev.Kind = models.PlanKindSubscription

	details := inv.SubscriptionDetails
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details = inv.Parent.SubscriptionDetails
	}
	ev.SubscriptionID = string(inv.Subscription)
	var metadata map[string]string
	if details != nil {
		if details.Subscription != "" {
			ev.SubscriptionID = string(details.Subscription)
		}
		metadata = details.Metadata
	}

	for _, line := range inv.Lines.Data {
		if line.Period.End > 0 && unix(line.Period.End).After(ev.PeriodEnd) {
			ev.PeriodStart = unix(line.Period.Start)
			ev.PeriodEnd = unix(line.Period.End)
		}
		if ev.PriceRef == "" {
			switch {
			case line.Pricing != nil && line.Pricing.PriceDetails != nil:
				ev.PriceRef = line.Pricing.PriceDetails.Price
			case line.Price != nil:
				ev.PriceRef = line.Price.ID
			}
		}
		if len(metadata) == 0 {
			metadata = line.Metadata
		}
	}

	md := parseMetadata(metadata)
	ev.UserID = md.UserID
	ev.PlanID = md.PlanID
	ev.Credits = md.Credits
	return nil
}

func decodeSubscription(raw []byte, ev *Event) error {
	var sub rawSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	md := parseMetadata(sub.Metadata)
	ev.SubscriptionID = sub.ID
	ev.CustomerID = string(sub.Customer)
	ev.UserID = md.UserID
	ev.PlanID = md.PlanID
	ev.Kind = models.PlanKindSubscription
	ev.PeriodStart, ev.PeriodEnd = unix(sub.CurrentPeriodStart), unix(sub.CurrentPeriodEnd)
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			ev.PeriodStart, ev.PeriodEnd = unix(item.CurrentPeriodStart), unix(item.CurrentPeriodEnd)
		}
		if item.Price != nil {
			ev.PriceRef = item.Price.ID
		}
	}
	return nil
}

func kindFromMode(mode string) string {
	switch strings.ToLower(mode) {
	case "subscription":
		return models.PlanKindSubscription
	case "payment":
		return models.PlanKindOneTime
	default:
		return ""
	}
}

func isSettled(paymentStatus string) bool {
	switch strings.ToLower(paymentStatus) {
	case "paid", "no_payment_required":
		return true
	default:
		return false
	}
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
