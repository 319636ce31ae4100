package redistream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// cleanupLoop runs the retention pass on the configured interval.
func (t *Transport) cleanupLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.Cleanup(ctx)
			if err != nil && ctx.Err() == nil {
				t.log.Warn("cleanup pass", zap.Error(err))
			} else if removed > 0 {
				t.log.Info("cleanup pass", zap.Int("removed", removed))
			}
		}
	}
}

// Cleanup removes status records that have been terminal for longer than
// the retention window, deletes the log entry each one points at through
// its messageId back-reference, and trims every stream to the configured
// maximum length. Non-terminal and recent records survive. Returns the
// number of status records removed.
func (t *Transport) Cleanup(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-t.opts.Retention)
	removed := 0

	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, statusPattern(t.opts.Prefix), 256).Result()
		if err != nil {
			return removed, fmt.Errorf("redistream: scan status keys: %w", err)
		}
		for _, key := range keys {
			queue, _, _, ok := splitStatusKey(t.opts.Prefix, key)
			if !ok {
				continue
			}
			fields, err := t.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			si := parseStatus(fields)
			if !si.Status.Terminal() || si.UpdatedAt.IsZero() || !si.UpdatedAt.Before(cutoff) {
				continue
			}
			pipe := t.rdb.TxPipeline()
			if si.MessageID != "" {
				pipe.XDel(ctx, streamKey(t.opts.Prefix, queue), si.MessageID)
			}
			pipe.Del(ctx, key)
			if _, err := pipe.Exec(ctx); err != nil {
				t.log.Warn("remove expired status", zap.String("key", key), zap.Error(err))
				continue
			}
			removed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := t.trimStreams(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// trimStreams caps every queue stream at the configured maximum length.
func (t *Transport) trimStreams(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, streamPattern(t.opts.Prefix), 64).Result()
		if err != nil {
			return fmt.Errorf("redistream: scan streams: %w", err)
		}
		for _, key := range keys {
			if err := t.rdb.XTrimMaxLen(ctx, key, t.opts.MaxStreamLen).Err(); err != nil {
				t.log.Warn("trim stream", zap.String("stream", key), zap.Error(err))
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
