// Package job defines the unit-of-work contract between the queue core and
// the host application: the Job interface, the dispatch status state machine,
// per-dispatch options, the durable status record, and an explicit factory
// registry resolvable by class name.
//
// Identity is the pair (jobId, dispatchId). jobId names the logical unit of
// work and may be deterministic or caller-supplied; dispatchId is unique per
// dispatch attempt. Together they form the idempotency key used to detect
// duplicate delivery across the fleet.
package job
