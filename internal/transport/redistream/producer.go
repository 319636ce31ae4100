package redistream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
)

// sendProcess appends a job:process entry to the queue's stream and writes
// the dispatch's status record, with the stream entry id recorded as the
// messageId back-reference.
func (t *Transport) sendProcess(ctx context.Context, m *message.JobProcess, payload []byte) error {
	if m.Queue == "" || m.JobID == "" || m.DispatchID == "" {
		return fmt.Errorf("redistream: job:process missing identity (queue=%q jobId=%q dispatchId=%q)",
			m.Queue, m.JobID, m.DispatchID)
	}
	id, err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(t.opts.Prefix, m.Queue),
		Values: map[string]any{
			"type":    string(m.Kind()),
			"payload": payload,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redistream: append job:process for %s/%s: %w", m.JobID, m.DispatchID, err)
	}

	initial := job.StatusPending
	if !m.Options.ScheduledFor.IsZero() && m.Options.ScheduledFor.After(t.now()) {
		initial = job.StatusScheduledForRetry
	}
	upd := job.StatusUpdate{
		Status:    job.StatusPtr(initial),
		Retries:   job.IntPtr(0),
		MessageID: job.StringPtr(id),
	}
	if err := t.UpdateJobStatus(ctx, m.Queue, m.JobID, m.DispatchID, upd); err != nil {
		return fmt.Errorf("redistream: init status for %s/%s: %w", m.JobID, m.DispatchID, err)
	}
	return nil
}
