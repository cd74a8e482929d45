package service

import (
	"testing"

	"github.com/smallbiznis/creditguard/internal/config"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogLookups(t *testing.T) {
	cfg := config.DefaultPlanCatalog()
	cfg.Plans[2].ExternalVariantID = "var_pro"
	c := NewCatalog(Params{Holder: config.NewStaticPlanCatalog(cfg)})

	def := c.Default()
	assert.Equal(t, "free", def.Code)
	assert.False(t, def.IsPaid())

	pro, err := c.Get(" PRO ")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pro.CreditsPerPeriod)
	assert.True(t, pro.IsPaid())

	byVariant, err := c.ByVariant("var_pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", byVariant.Code)

	_, err = c.Get("enterprise")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
	_, err = c.ByVariant("")
	assert.ErrorIs(t, err, plandomain.ErrVariantNotFound)
}

func TestCatalogFollowsHolder(t *testing.T) {
	holder := config.NewStaticPlanCatalog(config.PlanCatalogConfig{Plans: []config.PlanConfig{
		{Code: "Hobby Tier", Tier: 0, CreditsPerPeriod: 2, MaxOperationsPerDay: 2, Default: true},
		{Code: "team", Tier: 1, PriceCents: 500, CreditsPerPeriod: 50, MaxOperationsPerDay: 20},
	}})
	c := NewCatalog(Params{Holder: holder})

	plans := c.List()
	require.Len(t, plans, 2)
	assert.Equal(t, "hobby-tier", plans[0].Code)
	assert.Equal(t, plandomain.IntervalMonth, plans[0].BillingInterval)
	assert.Equal(t, "USD", plans[1].Currency)
}
