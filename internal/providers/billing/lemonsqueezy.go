package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/smallbiznis/creditguard/internal/config"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"go.uber.org/zap"
)

const jsonAPIContentType = "application/vnd.api+json"

// LemonSqueezyClient creates hosted checkouts through the JSON:API endpoint.
type LemonSqueezyClient struct {
	cfg     config.BillingProviderConfig
	catalog plandomain.Catalog
	client  *http.Client
	log     *zap.Logger
}

func NewLemonSqueezyClient(cfg config.BillingProviderConfig, catalog plandomain.Catalog, client *http.Client, log *zap.Logger) *LemonSqueezyClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &LemonSqueezyClient{
		cfg:     cfg,
		catalog: catalog,
		client:  client,
		log:     log.Named("billing.provider"),
	}
}

func (c *LemonSqueezyClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" || strings.TrimSpace(c.cfg.StoreID) == "" {
		return CheckoutSession{}, ErrNotConfigured
	}
	subscriberID := strings.TrimSpace(req.SubscriberID)
	if subscriberID == "" {
		return CheckoutSession{}, ErrInvalidSubscriber
	}
	plan, err := c.catalog.Get(strings.TrimSpace(req.PlanCode))
	if err != nil {
		return CheckoutSession{}, err
	}
	if !plan.IsPaid() || plan.ExternalVariantID == "" {
		return CheckoutSession{}, ErrPlanNotPurchasable
	}

	body, err := json.Marshal(checkoutBody(c.cfg, plan, subscriberID, strings.TrimSpace(req.Email)))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", jsonAPIContentType)
	httpReq.Header.Set("Content-Type", jsonAPIContentType)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return CheckoutSession{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		perr := classifyStatus(resp.StatusCode, readErrorMessage(resp.Body))
		c.log.Warn("checkout request failed",
			zap.String("subscriber_id", subscriberID),
			zap.String("plan_code", plan.Code),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(perr.Kind)),
		)
		return CheckoutSession{}, perr
	}

	var out checkoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CheckoutSession{}, &ProviderError{Kind: KindUpstream, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	if out.Data.ID == "" || out.Data.Attributes.URL == "" {
		return CheckoutSession{}, &ProviderError{Kind: KindUpstream, StatusCode: resp.StatusCode, Message: "checkout url missing"}
	}

	c.log.Info("checkout created",
		zap.String("subscriber_id", subscriberID),
		zap.String("plan_code", plan.Code),
		zap.String("checkout_id", out.Data.ID),
	)
	return CheckoutSession{
		ID:        out.Data.ID,
		URL:       out.Data.Attributes.URL,
		PlanCode:  plan.Code,
		VariantID: plan.ExternalVariantID,
	}, nil
}

type relationship struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type checkoutRequestBody struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			CheckoutData struct {
				Email  string            `json:"email,omitempty"`
				Custom map[string]string `json:"custom"`
			} `json:"checkout_data"`
			ProductOptions struct {
				RedirectURL string `json:"redirect_url,omitempty"`
			} `json:"product_options"`
		} `json:"attributes"`
		Relationships struct {
			Store   relationship `json:"store"`
			Variant relationship `json:"variant"`
		} `json:"relationships"`
	} `json:"data"`
}

type checkoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

type errorResponse struct {
	Errors []struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	} `json:"errors"`
}

func checkoutBody(cfg config.BillingProviderConfig, plan plandomain.Plan, subscriberID, email string) checkoutRequestBody {
	var body checkoutRequestBody
	body.Data.Type = "checkouts"
	body.Data.Attributes.CheckoutData.Email = email
	body.Data.Attributes.CheckoutData.Custom = map[string]string{"subscriber_id": subscriberID}
	body.Data.Attributes.ProductOptions.RedirectURL = cfg.SuccessURL
	body.Data.Relationships.Store.Data.Type = "stores"
	body.Data.Relationships.Store.Data.ID = cfg.StoreID
	body.Data.Relationships.Variant.Data.Type = "variants"
	body.Data.Relationships.Variant.Data.ID = plan.ExternalVariantID
	return body
}

func readErrorMessage(r io.Reader) string {
	var payload errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&payload); err != nil || len(payload.Errors) == 0 {
		return "request failed"
	}
	if detail := strings.TrimSpace(payload.Errors[0].Detail); detail != "" {
		return detail
	}
	if title := strings.TrimSpace(payload.Errors[0].Title); title != "" {
		return title
	}
	return "request failed"
}

func classifyStatus(status int, message string) *ProviderError {
	kind := KindUpstream
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 400 && status < 500:
		kind = KindInvalidRequest
	}
	return &ProviderError{Kind: kind, StatusCode: status, Message: message}
}

func classifyTransport(err error) *ProviderError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &ProviderError{Kind: KindUpstream, Message: "request failed", Err: err}
}
