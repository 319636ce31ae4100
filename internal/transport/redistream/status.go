package redistream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/transport"
)

// Status records are hashes; every field is written independently so that
// concurrent writers converge last-write-wins per field. The status field
// itself is guarded: a write that would leave a terminal state or break the
// state machine is skipped, other fields still land.

const timeLayout = time.RFC3339Nano

// UpdateJobStatus applies a partial mutation to the status record and
// refreshes its TTL.
func (t *Transport) UpdateJobStatus(ctx context.Context, queue, jobID, dispatchID string, upd job.StatusUpdate) error {
	key := statusKey(t.opts.Prefix, queue, jobID, dispatchID)
	now := t.now().UTC()

	fields := map[string]any{
		"updatedAt": now.Format(timeLayout),
	}
	if upd.Status != nil {
		cur, err := t.rdb.HGet(ctx, key, "status").Result()
		switch {
		case errors.Is(err, redis.Nil):
			fields["status"] = string(*upd.Status)
		case err != nil:
			return fmt.Errorf("redistream: read status %s: %w", key, err)
		case job.Status(cur).CanTransition(*upd.Status):
			fields["status"] = string(*upd.Status)
		}
	}
	if upd.Retries != nil {
		fields["retries"] = strconv.Itoa(*upd.Retries)
	}
	if upd.StartedAt != nil {
		fields["startedAt"] = upd.StartedAt.UTC().Format(timeLayout)
	}
	if upd.CompletedAt != nil {
		fields["completedAt"] = upd.CompletedAt.UTC().Format(timeLayout)
	}
	if upd.Error != nil {
		fields["error"] = *upd.Error
	}
	if upd.MessageID != nil {
		fields["messageId"] = *upd.MessageID
	}

	pipe := t.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "queue", queue)
	pipe.HSetNX(ctx, key, "jobId", jobID)
	pipe.HSetNX(ctx, key, "dispatchId", dispatchID)
	pipe.HSetNX(ctx, key, "createdAt", now.Format(timeLayout))
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, t.opts.StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redistream: update status %s: %w", key, err)
	}
	return nil
}

// JobStatus loads the status record for one dispatch. Missing records
// return transport.ErrNotFound.
func (t *Transport) JobStatus(ctx context.Context, queue, jobID, dispatchID string) (*job.StatusInfo, error) {
	key := statusKey(t.opts.Prefix, queue, jobID, dispatchID)
	fields, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redistream: load status %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, transport.ErrNotFound
	}
	return parseStatus(fields), nil
}

// Statuses scans every status record, optionally narrowed to one queue,
// newest first. Meant for operational tooling; the scan walks the whole
// status keyspace.
func (t *Transport) Statuses(ctx context.Context, queue string) ([]*job.StatusInfo, error) {
	var out []*job.StatusInfo
	iter := t.rdb.Scan(ctx, 0, statusPattern(t.opts.Prefix), 128).Iterator()
	for iter.Next(ctx) {
		q, _, _, ok := splitStatusKey(t.opts.Prefix, iter.Val())
		if !ok || (queue != "" && q != queue) {
			continue
		}
		fields, err := t.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redistream: load status %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, parseStatus(fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redistream: scan statuses: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func parseStatus(fields map[string]string) *job.StatusInfo {
	si := &job.StatusInfo{
		Queue:      fields["queue"],
		JobID:      fields["jobId"],
		DispatchID: fields["dispatchId"],
		Status:     job.Status(fields["status"]),
		Error:      fields["error"],
		MessageID:  fields["messageId"],
	}
	if v, err := strconv.Atoi(fields["retries"]); err == nil {
		si.Retries = v
	}
	if ts, err := time.Parse(timeLayout, fields["createdAt"]); err == nil {
		si.CreatedAt = ts
	}
	if ts, err := time.Parse(timeLayout, fields["updatedAt"]); err == nil {
		si.UpdatedAt = ts
	}
	if raw, ok := fields["startedAt"]; ok {
		if ts, err := time.Parse(timeLayout, raw); err == nil {
			si.StartedAt = &ts
		}
	}
	if raw, ok := fields["completedAt"]; ok {
		if ts, err := time.Parse(timeLayout, raw); err == nil {
			si.CompletedAt = &ts
		}
	}
	return si
}
