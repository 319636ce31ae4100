// Package id generates the identities used across the engine: logical job
// ids, per-dispatch ids and worker fleet names. Centralizing the format
// keeps keys and log lines greppable.
package id

import "github.com/google/uuid"

// NewJobID returns a fresh logical job identity.
func NewJobID() string { return uuid.NewString() }

// NewDispatchID returns a fresh dispatch identity. Each dispatch of the
// same logical job gets its own.
func NewDispatchID() string { return uuid.NewString() }

// NewWorkerID returns a worker fleet identity.
func NewWorkerID() string { return "worker-" + uuid.NewString() }
