package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/creditguard/internal/clock"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	"go.uber.org/zap"
)

const globalKey = "all"

type Request struct {
	Class        EndpointClass
	SubscriberID string
	ClientAddr   string
}

type Decision struct {
	Allowed    bool
	Reason     Reason
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter gates request admission per endpoint class. It is independent of
// the credit ledger: a request may pass quota checks and still be denied here.
type Limiter struct {
	mu      sync.Mutex
	store   Store
	rules   Rules
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewLimiter(store Store, rules Rules, clk clock.Clock, log *zap.Logger, metrics *obsmetrics.Metrics) *Limiter {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		store:   store,
		rules:   rules,
		clock:   clk,
		log:     log.Named("ratelimit"),
		metrics: metrics,
	}
}

// Allow checks and, when admitted, records the request as one step.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	decision, err := l.check(ctx, req, now)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := l.record(ctx, req, now); err != nil {
		return decision, err
	}
	if decision.Remaining > 0 {
		decision.Remaining--
	}
	return decision, nil
}

func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(ctx, req, l.clock.Now())
}

// Record counts a request that was admitted by Check.
func (l *Limiter) Record(ctx context.Context, req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(ctx, req, l.clock.Now())
}

// Sweep evicts idle windows and expired penalties.
func (l *Limiter) Sweep(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted, err := l.store.Sweep(ctx, now)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		l.log.Debug("rate limit sweep", zap.Int("evicted", evicted))
	}
	return evicted, nil
}

func (l *Limiter) check(ctx context.Context, req Request, now time.Time) (Decision, error) {
	rule, ok := l.rules[req.Class]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	subscriberID := strings.TrimSpace(req.SubscriberID)
	clientAddr := strings.TrimSpace(req.ClientAddr)

	if offender := penaltySubject(subscriberID, clientAddr); offender != "" {
		until, err := l.store.PenaltyUntil(ctx, penaltyKey(req.Class, offender))
		if err != nil {
			return Decision{}, err
		}
		if until.After(now) {
			return l.deny(ctx, req, Decision{
				Reason:     ReasonPenaltyActive,
				RetryAfter: until.Sub(now),
				ResetAt:    until,
			}), nil
		}
	}

	tightest := Decision{Allowed: true, Remaining: -1}

	axes := []struct {
		limit    Limit
		id       string
		axis     string
		reason   Reason
		penalize bool
	}{
		{rule.Subscriber, subscriberID, "sub", ReasonRequestLimitExceeded, true},
		{rule.Global, globalKey, "global", ReasonGlobalLimitExceeded, false},
		{rule.IP, clientAddr, "ip", ReasonIPLimitExceeded, true},
	}
	for _, a := range axes {
		if !a.limit.Enabled() || a.id == "" {
			continue
		}
		count, oldest, err := l.store.Count(ctx, windowKey(req.Class, a.axis, a.id), now, a.limit.Window)
		if err != nil {
			return Decision{}, err
		}
		ceiling := a.limit.Ceiling()
		if count >= ceiling {
			decision := Decision{
				Reason:  a.reason,
				Limit:   ceiling,
				ResetAt: oldest.Add(a.limit.Window),
			}
			decision.RetryAfter = decision.ResetAt.Sub(now)
			if a.penalize && rule.Penalty > 0 {
				until := now.Add(rule.Penalty)
				if err := l.store.SetPenalty(ctx, penaltyKey(req.Class, penaltySubject(subscriberID, clientAddr)), until, rule.Penalty); err != nil {
					return Decision{}, err
				}
				decision.RetryAfter = rule.Penalty
				decision.ResetAt = until
				l.log.Warn("rate limit penalty applied",
					zap.String("endpoint", string(req.Class)),
					zap.String("reason", string(a.reason)),
					zap.String("subscriber_id", subscriberID),
					zap.Duration("penalty", rule.Penalty),
				)
			}
			return l.deny(ctx, req, decision), nil
		}
		if remaining := ceiling - count; tightest.Remaining < 0 || remaining < tightest.Remaining {
			tightest.Limit = ceiling
			tightest.Remaining = remaining
		}
	}
	if tightest.Remaining < 0 {
		tightest.Remaining = 0
	}
	l.metrics.RecordRateLimitAllowed(ctx, string(req.Class))
	return tightest, nil
}

func (l *Limiter) record(ctx context.Context, req Request, now time.Time) error {
	rule, ok := l.rules[req.Class]
	if !ok {
		return nil
	}
	ids := map[string]string{
		"sub":    strings.TrimSpace(req.SubscriberID),
		"global": globalKey,
		"ip":     strings.TrimSpace(req.ClientAddr),
	}
	limits := map[string]Limit{"sub": rule.Subscriber, "global": rule.Global, "ip": rule.IP}
	for axis, limit := range limits {
		if !limit.Enabled() || ids[axis] == "" {
			continue
		}
		if err := l.store.Add(ctx, windowKey(req.Class, axis, ids[axis]), now, limit.Window); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) deny(ctx context.Context, req Request, decision Decision) Decision {
	decision.Allowed = false
	if decision.RetryAfter < 0 {
		decision.RetryAfter = 0
	}
	l.metrics.RecordRateLimitDenied(ctx, string(req.Class), string(decision.Reason))
	return decision
}

// penaltySubject is the subscriber when known, else the client address.
func penaltySubject(subscriberID, clientAddr string) string {
	if subscriberID != "" {
		return "sub:" + subscriberID
	}
	if clientAddr != "" {
		return "ip:" + clientAddr
	}
	return ""
}

func windowKey(class EndpointClass, axis, id string) string {
	return fmt.Sprintf("%s:%s:%s", class, axis, id)
}

func penaltyKey(class EndpointClass, subject string) string {
	return fmt.Sprintf("%s:penalty:%s", class, subject)
}
