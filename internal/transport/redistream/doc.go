// Package redistream implements the distributed Transport over Redis.
//
// Job delivery uses one append-only stream per queue, consumed through a
// shared consumer group so that any number of worker processes can split a
// queue's backlog without double-processing. Entries are acknowledged only
// after they are fully handled, which includes duplicate detection against
// the dispatch's status record. Status, liveness, and mutual exclusion use
// plain keys; status and control fan-out back to producers rides pub/sub.
//
// # Keyspace
//
// All keys share a configurable prefix (default "toil"):
//
//	prefix:stream:<queue>                          - job:process log, group "workers"
//	prefix:status:<queue>:<jobId>:<dispatchId>     - status hash, TTL (default 24h)
//	prefix:worker:<workerId>                       - liveness record (60s TTL)
//	prefix:lock:<queue>:<jobId>                    - NoOverlap lease (SET NX PX)
//	prefix:events:<queue>                          - pub/sub: status, results, cancels
//	prefix:events:workers                          - pub/sub: worker lifecycle
//
// # Delivery semantics
//
// At-least-once. A crashed consumer's unacknowledged entries are reclaimed
// with XAUTOCLAIM once they exceed the claim-idle threshold. A replayed
// job:process entry whose status record already shows the dispatch running
// or terminal is acknowledged without re-execution.
//
// # Cleanup
//
// A background pass deletes status records that have been terminal for
// longer than the retention window, XDELs the log entry each one points at
// through its messageId back-reference, and trims every stream to a maximum
// length. Status keys additionally carry a TTL as a backstop.
package redistream
