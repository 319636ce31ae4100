// Package client contains the Cobra CLI commands that talk to a toil
// deployment: dispatching and inspecting jobs, listing workers and running
// maintenance passes against the Redis backend.
package client
