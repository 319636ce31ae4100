// Package pool load-balances direct job execution across in-process
// workers. Selection is round-robin per queue with a load-shedding
// override: when the active-job spread between the busiest and idlest
// worker grows past a threshold, the idlest worker is picked outright.
package pool
