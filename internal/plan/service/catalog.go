package service

import (
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/creditguard/internal/config"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Holder *config.PlanCatalogHolder
}

// catalog reads the holder on every call so hot reloads apply to the next
// request.
type catalog struct {
	holder *config.PlanCatalogHolder
}

func NewCatalog(p Params) plandomain.Catalog {
	return &catalog{holder: p.Holder}
}

func (c *catalog) Get(code string) (plandomain.Plan, error) {
	want := NormalizeCode(code)
	for _, p := range c.List() {
		if p.Code == want {
			return p, nil
		}
	}
	return plandomain.Plan{}, plandomain.ErrPlanNotFound
}

// Default returns the configured default plan, or the lowest tier when none
// is flagged.
func (c *catalog) Default() plandomain.Plan {
	plans := c.List()
	for _, p := range plans {
		if p.IsDefault {
			return p
		}
	}
	return plans[0]
}

func (c *catalog) ByVariant(variantID string) (plandomain.Plan, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return plandomain.Plan{}, plandomain.ErrVariantNotFound
	}
	for _, p := range c.List() {
		if p.ExternalVariantID == variantID {
			return p, nil
		}
	}
	return plandomain.Plan{}, plandomain.ErrVariantNotFound
}

func (c *catalog) List() []plandomain.Plan {
	cfg := c.holder.Get()
	plans := make([]plandomain.Plan, 0, len(cfg.Plans))
	for _, pc := range cfg.Plans {
		plans = append(plans, FromConfig(pc))
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Tier < plans[j].Tier })
	return plans
}

// NormalizeCode maps display codes ("Pro Plan") onto catalog codes ("pro-plan").
func NormalizeCode(code string) string {
	return slug.Make(strings.TrimSpace(code))
}

func FromConfig(pc config.PlanConfig) plandomain.Plan {
	interval := strings.ToLower(strings.TrimSpace(pc.Interval))
	if interval == "" {
		interval = plandomain.IntervalMonth
	}
	currency := strings.ToUpper(strings.TrimSpace(pc.Currency))
	if currency == "" {
		currency = "USD"
	}
	features := make(map[string]bool, len(pc.Features))
	for k, v := range pc.Features {
		features[k] = v
	}
	return plandomain.Plan{
		Code:                NormalizeCode(pc.Code),
		Name:                pc.Name,
		Tier:                pc.Tier,
		PriceCents:          pc.PriceCents,
		Currency:            currency,
		BillingInterval:     interval,
		CreditsPerPeriod:    pc.CreditsPerPeriod,
		MaxOperationsPerDay: pc.MaxOperationsPerDay,
		RequestsPerMinute:   pc.RequestsPerMinute,
		RequestsPerHour:     pc.RequestsPerHour,
		Features:            features,
		ExternalVariantID:   strings.TrimSpace(pc.ExternalVariantID),
		IsDefault:           pc.Default,
	}
}
