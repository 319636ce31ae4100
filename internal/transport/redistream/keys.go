package redistream

import "strings"

// Key builders for the redistream keyspace. Queue names, job ids and
// dispatch ids must not contain ':'; builders do not validate, callers
// generate ids from UUIDs.

func streamKey(prefix, queue string) string {
	return prefix + ":stream:" + queue
}

func statusKey(prefix, queue, jobID, dispatchID string) string {
	return prefix + ":status:" + queue + ":" + jobID + ":" + dispatchID
}

func workerKey(prefix, workerID string) string {
	return prefix + ":worker:" + workerID
}

func lockKey(prefix, queue, jobID string) string {
	return prefix + ":lock:" + queue + ":" + jobID
}

func eventsKey(prefix, queue string) string {
	return prefix + ":events:" + queue
}

func workerEventsKey(prefix string) string {
	return prefix + ":events:workers"
}

func workerPattern(prefix string) string {
	return prefix + ":worker:*"
}

func statusPattern(prefix string) string {
	return prefix + ":status:*"
}

func streamPattern(prefix string) string {
	return prefix + ":stream:*"
}

// queueFromStreamKey recovers the queue name from a stream key, or "".
func queueFromStreamKey(prefix, key string) string {
	return strings.TrimPrefix(key, prefix+":stream:")
}

// splitStatusKey recovers (queue, jobID, dispatchID) from a status key.
func splitStatusKey(prefix, key string) (queue, jobID, dispatchID string, ok bool) {
	rest := strings.TrimPrefix(key, prefix+":status:")
	if rest == key {
		return "", "", "", false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
