package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
)

// Policy holds the reconciliation tunables.
type Policy struct {
	// FallbackPeriod is used as the subscription length when the processor
	// cannot report the period end.
	FallbackPeriod time.Duration
	// FailedPaymentThreshold is the attempt count at which a failing
	// subscription is expired.
	FailedPaymentThreshold int64
	// VerifyTimeout bounds the processor call made by VerifyPayment.
	VerifyTimeout time.Duration
	// PeriodLookupTimeout bounds subscription period lookups.
	PeriodLookupTimeout time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		FallbackPeriod:         30 * 24 * time.Hour,
		FailedPaymentThreshold: 3,
		VerifyTimeout:          8 * time.Second,
		PeriodLookupTimeout:    5 * time.Second,
	}
}

// Config is the Stripe configuration of the service.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Policy        Policy
}

// ConfigFromEnv reads the Stripe keys and reconciliation policy. Missing keys
// are a startup error.
func ConfigFromEnv() (Config, error) {
	def := DefaultPolicy()
	cfg := Config{
		SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		Policy: Policy{
			FallbackPeriod:         env.GetEnvDuration("BILLING_FALLBACK_PERIOD", def.FallbackPeriod),
			FailedPaymentThreshold: env.GetEnvInt("BILLING_FAILED_PAYMENT_THRESHOLD", def.FailedPaymentThreshold),
			VerifyTimeout:          env.GetEnvDuration("BILLING_VERIFY_TIMEOUT", def.VerifyTimeout),
			PeriodLookupTimeout:    env.GetEnvDuration("BILLING_PERIOD_LOOKUP_TIMEOUT", def.PeriodLookupTimeout),
		},
	}

	var missing []string
	if cfg.SecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.WebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if cfg.Policy.FailedPaymentThreshold < 1 {
		cfg.Policy.FailedPaymentThreshold = def.FailedPaymentThreshold
	}
	return cfg, nil
}
