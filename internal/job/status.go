package job

// Status is the lifecycle state of one dispatch attempt.
type Status string

const (
	StatusPending           Status = "pending"
	StatusScheduledForRetry Status = "scheduled_for_retry"
	StatusRunning           Status = "running"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduledForRetry, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal statuses admit no
// further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next follows the state
// machine:
//
//	PENDING → SCHEDULED_FOR_RETRY → RUNNING → {COMPLETED | FAILED | CANCELLED}
//
// with FAILED looping back through SCHEDULED_FOR_RETRY while retries remain,
// CANCELLED reachable from any non-terminal state, and FAILED reachable from
// any non-terminal state (a dispatch whose transport send fails is marked
// FAILED before it ever runs). Writing the same status again is permitted so
// that last-write-wins field updates stay legal.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return !s.Terminal()
	}
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusCancelled, StatusFailed:
		return true
	case StatusRunning:
		return s == StatusPending || s == StatusScheduledForRetry
	case StatusScheduledForRetry:
		return s == StatusPending || s == StatusRunning
	case StatusPending:
		return false
	}
	return false
}
