// Package queue is the producer side of the engine. A Queue dispatches job
// classes onto its transport, tracks dispatch status in a local cache fed by
// inbound job:status and job:result traffic, and republishes that traffic on
// the application event bus.
package queue
