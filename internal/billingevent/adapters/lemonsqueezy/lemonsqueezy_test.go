package lemonsqueezy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/smallbiznis/creditguard/internal/billingevent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const createdPayload = `{
  "meta": {
    "event_name": "subscription_created",
    "event_id": "evt_1",
    "custom_data": {"subscriber_id": "sub_1"}
  },
  "data": {
    "id": "1001",
    "type": "subscriptions",
    "attributes": {
      "status": "active",
      "variant_id": 42,
      "customer_id": 77,
      "renews_at": "2026-07-15T12:00:00.000000Z",
      "ends_at": null,
      "trial_ends_at": null
    }
  }
}`

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newAdapter(t *testing.T) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter("whsec")
	require.NoError(t, err)
	return adapter
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	body := []byte(createdPayload)
	ctx := context.Background()

	assert.NoError(t, adapter.Verify(ctx, body, sign("whsec", body)))
	assert.ErrorIs(t, adapter.Verify(ctx, body, ""), domain.ErrSignatureMissing)
	assert.ErrorIs(t, adapter.Verify(ctx, body, sign("other", body)), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, adapter.Verify(ctx, append(body, ' '), sign("whsec", body)), domain.ErrSignatureInvalid)
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter("  ")
	assert.ErrorIs(t, err, domain.ErrSecretMissing)
}

func TestParseSubscriptionEvent(t *testing.T) {
	event, err := newAdapter(t).Parse(context.Background(), []byte(createdPayload))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, domain.EventSubscriptionCreated, event.Type)
	assert.Equal(t, "sub_1", event.SubscriberID)
	assert.Equal(t, "42", event.VariantID)
	assert.Equal(t, "77", event.ExternalCustomerID)
	assert.Equal(t, "1001", event.ExternalSubscriptionID)
	assert.Equal(t, "active", event.ProviderStatus)
	require.NotNil(t, event.RenewsAt)
	assert.True(t, event.RenewsAt.Equal(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)))
	assert.Nil(t, event.EndsAt)
}

func TestParseInvoiceEventUsesSubscriptionID(t *testing.T) {
	body := []byte(`{
	  "meta": {"event_name": "subscription_payment_success", "custom_data": {"user_id": 9}},
	  "data": {"id": "inv_5", "type": "subscription-invoices", "attributes": {"subscription_id": "1001", "status": "paid"}}
	}`)
	event, err := newAdapter(t).Parse(context.Background(), body)
	require.NoError(t, err)

	assert.Equal(t, domain.EventPaymentSuccess, event.Type)
	assert.Equal(t, "9", event.SubscriberID)
	assert.Equal(t, "1001", event.ExternalSubscriptionID)
	assert.Empty(t, event.VariantID)

	again, err := newAdapter(t).Parse(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, event.ID, again.ID)
	assert.Contains(t, event.ID, "ls_")
}

func TestParseRejectsMalformed(t *testing.T) {
	adapter := newAdapter(t)
	_, err := adapter.Parse(context.Background(), []byte(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"meta":{}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}
