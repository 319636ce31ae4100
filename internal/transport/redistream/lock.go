package redistream

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes the fleet-wide NoOverlap lease for (queue, jobID) with
// SET NX PX. One round trip, non-blocking: false means another worker holds
// the lease. The lock value records the holder for debuggability; worker
// and lease share the same nominal lifetime.
func (t *Transport) AcquireLock(ctx context.Context, queue, jobID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = t.opts.LockTTL
	}
	ok, err := t.rdb.SetNX(ctx, lockKey(t.opts.Prefix, queue, jobID), t.opts.WorkerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redistream: acquire lock %s/%s: %w", queue, jobID, err)
	}
	return ok, nil
}

// ReleaseLock frees the lease. With a cool-down, the key's TTL is shortened
// to the cool-down window instead of deleting it, so sequential runs of the
// same logical job stay spaced apart. The lease's own TTL stays
// authoritative: the cool-down never extends the remaining lifetime, and a
// process restart during the window cannot strand the lock because expiry
// lives in the store, not in a timer.
func (t *Transport) ReleaseLock(ctx context.Context, queue, jobID string, after time.Duration) error {
	key := lockKey(t.opts.Prefix, queue, jobID)
	if after <= 0 {
		if err := t.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redistream: release lock %s/%s: %w", queue, jobID, err)
		}
		return nil
	}
	remaining, err := t.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redistream: lock ttl %s/%s: %w", queue, jobID, err)
	}
	if remaining > 0 && after < remaining {
		if err := t.rdb.PExpire(ctx, key, after).Err(); err != nil {
			return fmt.Errorf("redistream: shorten lock %s/%s: %w", queue, jobID, err)
		}
	}
	return nil
}
