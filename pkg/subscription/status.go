package subscription

// canTransition reports whether an ingested event may move a subscription
// from one status to another. Cancelled is terminal.
func canTransition(from, to Status) bool {
	if from == StatusCancelled {
		return to == StatusCancelled
	}
	return to.Valid()
}

// grantsAccess reports whether the status lets an account consume quota.
// past_due keeps access while the provider retries the payment.
func (s Status) grantsAccess() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusIncomplete:
		return true
	}
	return false
}
