package lemonsqueezy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditguard/internal/billingevent/domain"
)

const providerName = "lemonsqueezy"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(secret string) (domain.Adapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrSecretMissing
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Provider() string {
	return providerName
}

// Verify checks the hex HMAC-SHA256 of the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, signature string) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return domain.ErrSignatureMissing
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event lsEvent
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	name := strings.TrimSpace(event.Meta.EventName)
	if name == "" {
		return nil, domain.ErrInvalidEvent
	}

	attrs := event.Data.Attributes
	parsed := &domain.Event{
		ID:                 eventID(event.Meta.EventID, payload),
		Type:               domain.EventType(name),
		SubscriberID:       subscriberID(event.Meta.CustomData),
		VariantID:          string(attrs.VariantID),
		ProviderStatus:     strings.TrimSpace(attrs.Status),
		ExternalCustomerID: string(attrs.CustomerID),
		RenewsAt:           utc(attrs.RenewsAt),
		EndsAt:             utc(attrs.EndsAt),
		TrialEndsAt:        utc(attrs.TrialEndsAt),
	}
	switch strings.TrimSpace(event.Data.Type) {
	case "subscription-invoices":
		parsed.ExternalSubscriptionID = string(attrs.SubscriptionID)
	default:
		parsed.ExternalSubscriptionID = string(event.Data.ID)
	}
	return parsed, nil
}

type lsEvent struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		EventID    string         `json:"event_id"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         flexibleID   `json:"id"`
		Type       string       `json:"type"`
		Attributes lsAttributes `json:"attributes"`
	} `json:"data"`
}

type lsAttributes struct {
	Status         string     `json:"status"`
	VariantID      flexibleID `json:"variant_id"`
	CustomerID     flexibleID `json:"customer_id"`
	SubscriptionID flexibleID `json:"subscription_id"`
	RenewsAt       *time.Time `json:"renews_at"`
	EndsAt         *time.Time `json:"ends_at"`
	TrialEndsAt    *time.Time `json:"trial_ends_at"`
}

// flexibleID accepts ids sent either as JSON numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	if _, err := strconv.ParseInt(trimmed, 10, 64); err != nil {
		return fmt.Errorf("invalid id %s", trimmed)
	}
	*f = flexibleID(trimmed)
	return nil
}

// eventID prefers the provider id. Deliveries without one are keyed by a
// digest of the body, which is stable across redeliveries.
func eventID(provided string, payload []byte) string {
	if id := strings.TrimSpace(provided); id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "ls_" + hex.EncodeToString(sum[:16])
}

func subscriberID(custom map[string]any) string {
	for _, key := range []string{"subscriber_id", "user_id"} {
		switch value := custom[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return value.String()
		}
	}
	return ""
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
