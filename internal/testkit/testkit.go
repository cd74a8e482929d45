// Package testkit wires the ledger, subscription and usage services over an
// in-memory database for service-level tests.
package testkit

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/config"
	"github.com/smallbiznis/creditguard/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/creditguard/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditguard/internal/ledger/service"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	planservice "github.com/smallbiznis/creditguard/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/creditguard/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditguard/internal/subscription/service"
	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	usagerepository "github.com/smallbiznis/creditguard/internal/usage/repository"
	usageservice "github.com/smallbiznis/creditguard/internal/usage/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the default fake-clock start: mid-day UTC so daily windows are
// not crossed by short advances.
var Epoch = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type World struct {
	DB      *gorm.DB
	Node    *snowflake.Node
	Clock   *clock.FakeClock
	Holder  *config.PlanCatalogHolder
	Catalog plandomain.Catalog
	Log     *zap.Logger

	LedgerRepo       ledgerdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	UsageRepo        usagedomain.Repository

	Ledger        ledgerdomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
}

// NewWorld builds the services over cfg. A zero cfg uses the built-in catalog.
func NewWorld(t testing.TB, cfg config.PlanCatalogConfig) *World {
	t.Helper()
	if len(cfg.Plans) == 0 {
		cfg = config.DefaultPlanCatalog()
	}

	w := &World{
		DB:               dbtest.Open(t),
		Node:             dbtest.Node(t),
		Clock:            clock.NewFakeClock(Epoch),
		Holder:           config.NewStaticPlanCatalog(cfg),
		Log:              zap.NewNop(),
		LedgerRepo:       ledgerrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
		UsageRepo:        usagerepository.Provide(),
	}
	w.Catalog = planservice.NewCatalog(planservice.Params{Holder: w.Holder})

	w.Subscriptions = subscriptionservice.NewService(subscriptionservice.Params{
		DB:         w.DB,
		Log:        w.Log,
		GenID:      w.Node,
		Clock:      w.Clock,
		Repo:       w.SubscriptionRepo,
		LedgerRepo: w.LedgerRepo,
		Catalog:    w.Catalog,
	})
	w.Ledger = ledgerservice.NewService(ledgerservice.Params{
		DB:          w.DB,
		Log:         w.Log,
		GenID:       w.Node,
		Clock:       w.Clock,
		Repo:        w.LedgerRepo,
		UsageRepo:   w.UsageRepo,
		Provisioner: subscriptionservice.AsProvisioner(w.Subscriptions),
	})
	w.Usage = usageservice.NewService(usageservice.ServiceParam{
		DB:   w.DB,
		Log:  w.Log,
		Repo: w.UsageRepo,
	})
	return w
}

// Catalog returns a two-plan catalog: a free default plan and a paid plan
// mapped to external variant "var_pro".
func Catalog(freeCredits, freeDaily int64) config.PlanCatalogConfig {
	return config.PlanCatalogConfig{Plans: []config.PlanConfig{
		{
			Code: "free", Name: "Free", Tier: 0, Interval: "month",
			CreditsPerPeriod: freeCredits, MaxOperationsPerDay: freeDaily, Default: true,
		},
		{
			Code: "pro", Name: "Pro", Tier: 1, PriceCents: 2900, Interval: "month",
			CreditsPerPeriod: 100, MaxOperationsPerDay: 200, ExternalVariantID: "var_pro",
		},
	}}
}

// Balance reads the stored balance, failing the test when absent.
func (w *World) Balance(t testing.TB, subscriberID string) int64 {
	t.Helper()
	entry, err := w.LedgerRepo.FindBySubscriber(t.Context(), w.DB, subscriberID)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if entry == nil {
		t.Fatalf("no ledger entry for %s", subscriberID)
	}
	return entry.CurrentBalance
}

// Count returns the row count of table matching where.
func (w *World) Count(t testing.TB, table, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := w.DB.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

// SetBalance overwrites the stored balance for scenario setup.
func (w *World) SetBalance(t testing.TB, subscriberID string, balance int64) {
	t.Helper()
	if err := w.DB.Exec(`UPDATE credit_ledgers SET current_balance = ? WHERE subscriber_id = ?`, balance, subscriberID).Error; err != nil {
		t.Fatalf("set balance: %v", err)
	}
}
