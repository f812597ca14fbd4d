package domain

// allowedTransitions is the authoritative task lifecycle table. RUNNING may
// regress to QUEUED on retry; terminal states have no outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusQueued: {
		StatusDispatching: true,
		StatusFailed:      true,
		StatusCanceled:    true,
	},
	StatusDispatching: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusQueued:          true,
		StatusSucceeded:       true,
		StatusFailed:          true,
		StatusCanceled:        true,
		StatusTimedOut:        true,
		StatusWaitingApproval: true,
	},
	StatusWaitingApproval: {
		StatusQueued:   true,
		StatusRunning:  true,
		StatusCanceled: true,
		StatusFailed:   true,
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCanceled:  {},
	StatusTimedOut:  {},
}

// CanTransition reports whether moving from current to next is legal.
// Callers must check this against the just-read current value and drop the
// write when it fails; illegal transitions are never applied silently.
func CanTransition(current, next TaskStatus) bool {
	return allowedTransitions[current][next]
}
