package redistream

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
)

// pollLoop reads the consumer group on a fixed interval. Poll errors are
// logged and retried on the next tick; empty polls and network timeouts are
// silent.
func (t *Transport) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	streams := make([]string, 0, 2*len(t.opts.Queues))
	for _, q := range t.opts.Queues {
		streams = append(streams, streamKey(t.opts.Prefix, q))
	}
	for range t.opts.Queues {
		streams = append(streams, ">")
	}

	claimTick := time.NewTicker(maxDuration(t.opts.PollInterval*4, time.Second))
	defer claimTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTick.C:
			if t.opts.ClaimIdle > 0 {
				t.claimStalled(ctx)
			}
		default:
		}

		res, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.opts.Group,
			Consumer: t.opts.WorkerID,
			Streams:  streams,
			Count:    t.opts.PollCount,
			Block:    -1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isTransientPollErr(err) {
				t.log.Warn("poll consumer group", zap.Error(err))
			}
			sleepCtx(ctx, t.opts.PollInterval)
			continue
		}
		delivered := 0
		for _, stream := range res {
			queue := queueFromStreamKey(t.opts.Prefix, stream.Stream)
			for _, entry := range stream.Messages {
				t.handleEntry(ctx, queue, stream.Stream, entry)
				delivered++
			}
		}
		if delivered == 0 {
			sleepCtx(ctx, t.opts.PollInterval)
		}
	}
}

// handleEntry decodes, deduplicates, dispatches, and acknowledges one log
// entry. Acknowledgement happens after full handling; undecodable entries
// are acknowledged too so they cannot wedge the group.
func (t *Transport) handleEntry(ctx context.Context, queue, stream string, entry redis.XMessage) {
	ack := func() {
		if err := t.rdb.XAck(ctx, stream, t.opts.Group, entry.ID).Err(); err != nil && ctx.Err() == nil {
			t.log.Warn("ack entry", zap.String("id", entry.ID), zap.Error(err))
		}
	}

	payload, ok := entry.Values["payload"].(string)
	if !ok {
		t.log.Warn("drop entry without payload", zap.String("stream", stream), zap.String("id", entry.ID))
		ack()
		return
	}
	m, err := message.Decode([]byte(payload))
	if err != nil {
		t.log.Warn("drop undecodable entry", zap.String("stream", stream), zap.String("id", entry.ID), zap.Error(err))
		ack()
		return
	}

	if proc, isProcess := m.(*message.JobProcess); isProcess {
		if t.isDuplicate(ctx, proc) {
			t.log.Debug("duplicate delivery acknowledged",
				zap.String("queue", queue),
				zap.String("jobId", proc.JobID),
				zap.String("dispatchId", proc.DispatchID))
			ack()
			return
		}
	}

	t.dispatch(ctx, m)
	ack()
}

// isDuplicate reports whether this (jobId, dispatchId) has already been
// picked up: a status record showing the dispatch running or terminal means
// a previous delivery did real work and this one must not. SCHEDULED_FOR_RETRY
// cannot count as a duplicate marker here: sendProcess initializes
// future-scheduled dispatches to that status, so deduplicating on it would
// swallow their first delivery.
func (t *Transport) isDuplicate(ctx context.Context, m *message.JobProcess) bool {
	si, err := t.JobStatus(ctx, m.Queue, m.JobID, m.DispatchID)
	if err != nil {
		if !errors.Is(err, transport.ErrNotFound) && ctx.Err() == nil {
			t.log.Warn("duplicate check failed, delivering anyway",
				zap.String("jobId", m.JobID), zap.Error(err))
		}
		return false
	}
	return si.Status == job.StatusRunning || si.Status.Terminal()
}

// claimStalled reassigns deliveries that have sat unacknowledged on a dead
// or stuck consumer for longer than the claim-idle threshold.
func (t *Transport) claimStalled(ctx context.Context) {
	for _, q := range t.opts.Queues {
		stream := streamKey(t.opts.Prefix, q)
		entries, _, err := t.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    t.opts.Group,
			Consumer: t.opts.WorkerID,
			MinIdle:  t.opts.ClaimIdle,
			Start:    "0-0",
			Count:    t.opts.PollCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !isTransientPollErr(err) {
				t.log.Warn("autoclaim", zap.String("queue", q), zap.Error(err))
			}
			continue
		}
		for _, entry := range entries {
			t.handleEntry(ctx, q, stream, entry)
		}
	}
}

// isTransientPollErr separates benign empty polls and timeouts from real
// failures worth logging.
func isTransientPollErr(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
