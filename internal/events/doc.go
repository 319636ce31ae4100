// Package events is the in-process application event bus. The producer
// Queue republishes job lifecycle traffic here under names like
// "email:job:status" so application code can observe dispatch progress
// without touching the transport. Subscriptions take an optional CEL
// expression evaluated against each event.
package events
