// Package workerrun hosts the long-running worker process: it connects the
// distributed transport, starts the Worker and blocks until the context is
// cancelled.
package workerrun
