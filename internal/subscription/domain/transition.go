package domain

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusInactive: {SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusCanceled},
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusPaused:   {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusCanceled: {SubscriptionStatusActive, SubscriptionStatusExpired},
}

// CanTransition reports whether a row in status from may move to status to.
// Staying in the same status is always allowed; expired is terminal.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(status SubscriptionStatus) bool {
	_, ok := transitions[status]
	return !ok
}
