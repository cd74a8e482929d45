package ratelimit

import "time"

type EndpointClass string

const (
	ClassGeneration EndpointClass = "generation"
	ClassCheckout   EndpointClass = "checkout"
	ClassWebhook    EndpointClass = "webhook"
)

type Reason string

const (
	ReasonPenaltyActive        Reason = "penaltyActive"
	ReasonRequestLimitExceeded Reason = "requestLimitExceeded"
	ReasonGlobalLimitExceeded  Reason = "globalLimitExceeded"
	ReasonIPLimitExceeded      Reason = "ipLimitExceeded"
)

// Limit describes one sliding window. A zero Limit disables the axis.
type Limit struct {
	MaxRequests int
	BurstLimit  int
	Window      time.Duration
}

// Ceiling is the count at which the axis trips.
func (l Limit) Ceiling() int {
	if l.BurstLimit > 0 {
		return l.BurstLimit
	}
	return l.MaxRequests
}

func (l Limit) Enabled() bool {
	return l.Ceiling() > 0 && l.Window > 0
}

// Rule holds the three axes of an endpoint class plus the penalty applied to
// the offending subscriber (or client address) after a violation.
type Rule struct {
	Subscriber Limit
	Global     Limit
	IP         Limit
	Penalty    time.Duration
}

// Rules maps endpoint classes to their limits. Classes without a rule are
// not limited.
type Rules map[EndpointClass]Rule

func DefaultRules() Rules {
	return Rules{
		ClassGeneration: {
			Subscriber: Limit{MaxRequests: 10, BurstLimit: 15, Window: time.Minute},
			Global:     Limit{MaxRequests: 1000, BurstLimit: 1500, Window: time.Minute},
			IP:         Limit{MaxRequests: 30, BurstLimit: 40, Window: time.Minute},
			Penalty:    5 * time.Minute,
		},
		ClassCheckout: {
			Subscriber: Limit{MaxRequests: 5, BurstLimit: 8, Window: time.Minute},
			Global:     Limit{MaxRequests: 200, Window: time.Minute},
			IP:         Limit{MaxRequests: 10, BurstLimit: 15, Window: time.Minute},
			Penalty:    5 * time.Minute,
		},
		ClassWebhook: {
			Global:  Limit{MaxRequests: 500, BurstLimit: 800, Window: time.Minute},
			IP:      Limit{MaxRequests: 120, BurstLimit: 200, Window: time.Minute},
			Penalty: time.Minute,
		},
	}
}
