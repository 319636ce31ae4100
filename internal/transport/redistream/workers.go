package redistream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerInfo is one live worker's liveness record.
type WorkerInfo struct {
	WorkerID string    `json:"workerId"`
	Queues   []string  `json:"queues"`
	SeenAt   time.Time `json:"seenAt"`
}

// Workers lists the fleet's live workers by scanning their heartbeat keys.
// Records a worker stopped refreshing disappear with the key TTL.
func (t *Transport) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var out []WorkerInfo
	iter := t.rdb.Scan(ctx, 0, workerPattern(t.opts.Prefix), 64).Iterator()
	for iter.Next(ctx) {
		raw, err := t.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redistream: read worker record %s: %w", iter.Val(), err)
		}
		var rec struct {
			WorkerID string   `json:"workerId"`
			Queues   []string `json:"queues"`
			SeenAt   string   `json:"seenAt"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.log.Warn("skipping malformed worker record")
			continue
		}
		info := WorkerInfo{WorkerID: rec.WorkerID, Queues: rec.Queues}
		if ts, err := time.Parse(time.RFC3339Nano, rec.SeenAt); err == nil {
			info.SeenAt = ts
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redistream: scan workers: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
