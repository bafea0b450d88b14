package run

// Status is the lifecycle state of a Run.
type Status string

// Status constants for Run
const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusRequiresAction Status = "requires_action"
	StatusCancelling     Status = "cancelling"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
	StatusIncomplete     Status = "incomplete"
	StatusFailed         Status = "failed"
	StatusExpired        Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusInProgress,
	StatusRequiresAction,
	StatusCancelling,
	StatusCancelled,
	StatusCompleted,
	StatusIncomplete,
	StatusFailed,
	StatusExpired,
}

// transitions is the directed lifecycle graph. Terminal states have no edges.
var transitions = map[Status][]Status{
	StatusQueued:         {StatusInProgress, StatusCancelled, StatusFailed, StatusExpired},
	StatusInProgress:     {StatusRequiresAction, StatusCancelling, StatusCompleted, StatusIncomplete, StatusFailed, StatusExpired},
	StatusRequiresAction: {StatusInProgress, StatusCancelling, StatusFailed, StatusExpired},
	StatusCancelling:     {StatusCancelled, StatusFailed, StatusExpired},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusIncomplete, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActive reports whether a run in status s counts against its owner's
// concurrency ceiling.
func (s Status) IsActive() bool {
	return s == StatusInProgress || s == StatusRequiresAction
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
// A self-transition is allowed for non-terminal states so that a run can be
// re-persisted without changing status (e.g. appending a pending tool call).
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
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

// NonTerminal returns the statuses that the expiry sweep may move to expired.
func NonTerminal() []Status {
	out := make([]Status, 0, len(transitions))
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
