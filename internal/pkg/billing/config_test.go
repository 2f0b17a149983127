package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv_FailsFastWithoutKeys(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestConfigFromEnv_Policy(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec")
	t.Setenv("BILLING_FALLBACK_PERIOD", "168h")
	t.Setenv("BILLING_FAILED_PAYMENT_THRESHOLD", "0")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.Policy.FallbackPeriod)
	assert.Equal(t, int64(3), cfg.Policy.FailedPaymentThreshold)
	assert.Equal(t, DefaultPolicy().VerifyTimeout, cfg.Policy.VerifyTimeout)
}
