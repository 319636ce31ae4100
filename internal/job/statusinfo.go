package job

import "time"

// StatusInfo is the durable status record for one dispatch attempt, keyed by
// (queue, jobId, dispatchId). In the distributed transport it lives in the
// backing store and is the authoritative view; producers additionally keep a
// best-effort in-memory copy.
type StatusInfo struct {
	Queue       string     `json:"queue"`
	JobID       string     `json:"jobId"`
	DispatchID  string     `json:"dispatchId"`
	Status      Status     `json:"status"`
	Retries     int        `json:"retries"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	// MessageID links back to the transport log entry that carried the
	// job:process payload for this dispatch.
	MessageID string `json:"messageId,omitempty"`
}

// StatusUpdate is a partial mutation of a StatusInfo. Nil fields are left
// untouched; mutation is last-write-wins per field.
type StatusUpdate struct {
	Status      *Status
	Retries     *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	MessageID   *string
}

// Apply merges u into si and stamps UpdatedAt. A status change that would
// leave a terminal state or otherwise break the state machine is ignored;
// all other fields still apply.
func (si *StatusInfo) Apply(u StatusUpdate, now time.Time) {
	if u.Status != nil && si.Status.CanTransition(*u.Status) {
		si.Status = *u.Status
	}
	if u.Retries != nil {
		si.Retries = *u.Retries
	}
	if u.StartedAt != nil {
		si.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		si.CompletedAt = u.CompletedAt
	}
	if u.Error != nil {
		si.Error = *u.Error
	}
	if u.MessageID != nil {
		si.MessageID = *u.MessageID
	}
	si.UpdatedAt = now
}

// StatusPtr is a convenience for building StatusUpdate literals.
func StatusPtr(s Status) *Status { return &s }

// IntPtr is a convenience for building StatusUpdate literals.
func IntPtr(v int) *int { return &v }

// StringPtr is a convenience for building StatusUpdate literals.
func StringPtr(v string) *string { return &v }

// BoolPtr mirrors IntPtr for optional boolean settings.
func BoolPtr(v bool) *bool { return &v }

// TimePtr is a convenience for building StatusUpdate literals.
func TimePtr(t time.Time) *time.Time { return &t }
