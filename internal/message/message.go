package message

import (
	"encoding/json"
	"time"

	"github.com/rzbill/toil/internal/job"
)

// Type discriminates envelope variants on the wire.
type Type string

const (
	TypeJobProcess       Type = "job:process"
	TypeJobCancel        Type = "job:cancel"
	TypeJobCancelAll     Type = "job:cancelAll"
	TypeJobStatus        Type = "job:status"
	TypeJobResult        Type = "job:result"
	TypeJobUpdate        Type = "job:update"
	TypeWorkerRegister   Type = "worker:register"
	TypeWorkerUnregister Type = "worker:unregister"
	TypeWorkerStatus     Type = "worker:status"
	TypeWorkerReady      Type = "worker:ready"
)

// Message is implemented by every envelope variant.
type Message interface {
	Kind() Type
}

// JobProcess asks a worker to run one dispatch of a job class.
type JobProcess struct {
	Job        string          `json:"job"`
	Args       json.RawMessage `json:"args,omitempty"`
	JobID      string          `json:"jobId"`
	DispatchID string          `json:"dispatchId"`
	Queue      string          `json:"queue"`
	Options    job.Options     `json:"options"`
}

// JobCancel requests cooperative cancellation of one dispatch. DispatchID
// may be empty to target every dispatch of the job.
type JobCancel struct {
	JobID      string `json:"jobId"`
	DispatchID string `json:"dispatchId,omitempty"`
	Queue      string `json:"queue"`
}

// JobCancelAll requests cancellation of every job on a queue.
type JobCancelAll struct {
	Queue string `json:"queue"`
}

// JobStatus reports a status transition for one dispatch.
type JobStatus struct {
	JobID       string     `json:"jobId"`
	DispatchID  string     `json:"dispatchId"`
	Queue       string     `json:"queue"`
	Status      job.Status `json:"status"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobResult is the terminal-only companion of JobStatus.
type JobResult struct {
	JobID       string     `json:"jobId"`
	DispatchID  string     `json:"dispatchId"`
	Queue       string     `json:"queue"`
	Status      job.Status `json:"status"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries,omitempty"`
	CompletedAt time.Time  `json:"completedAt"`
}

// JobUpdate carries an arbitrary partial mutation of a dispatch's durable
// status record.
type JobUpdate struct {
	JobID      string         `json:"jobId"`
	DispatchID string         `json:"dispatchId"`
	Queue      string         `json:"queue"`
	Updates    map[string]any `json:"updates"`
}

// WorkerRegister announces a worker joining the fleet.
type WorkerRegister struct {
	WorkerID string   `json:"workerId"`
	Queues   []string `json:"queues"`
}

// WorkerUnregister announces a worker leaving the fleet.
type WorkerUnregister struct {
	WorkerID string `json:"workerId"`
}

// WorkerStatus is a periodic worker heartbeat with coarse load counters.
type WorkerStatus struct {
	WorkerID   string   `json:"workerId"`
	Queues     []string `json:"queues"`
	Status     string   `json:"status"`
	Processing int      `json:"processing"`
	Waiting    int      `json:"waiting"`
}

// WorkerReady signals that a consumer has started and buffered messages may
// be flushed.
type WorkerReady struct {
	ID        string    `json:"id"`
	Queues    []string  `json:"queues"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (*JobProcess) Kind() Type       { return TypeJobProcess }
func (*JobCancel) Kind() Type        { return TypeJobCancel }
func (*JobCancelAll) Kind() Type     { return TypeJobCancelAll }
func (*JobStatus) Kind() Type        { return TypeJobStatus }
func (*JobResult) Kind() Type        { return TypeJobResult }
func (*JobUpdate) Kind() Type        { return TypeJobUpdate }
func (*WorkerRegister) Kind() Type   { return TypeWorkerRegister }
func (*WorkerUnregister) Kind() Type { return TypeWorkerUnregister }
func (*WorkerStatus) Kind() Type     { return TypeWorkerStatus }
func (*WorkerReady) Kind() Type      { return TypeWorkerReady }

// QueueOf returns the queue a message is scoped to, or "" for fleet-wide
// worker messages. Transports use it to pick the per-queue channel.
func QueueOf(m Message) string {
	switch v := m.(type) {
	case *JobProcess:
		return v.Queue
	case *JobCancel:
		return v.Queue
	case *JobCancelAll:
		return v.Queue
	case *JobStatus:
		return v.Queue
	case *JobResult:
		return v.Queue
	case *JobUpdate:
		return v.Queue
	}
	return ""
}
