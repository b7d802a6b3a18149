// Package coordstore abstracts the shared coordination store the
// supervisor uses to publish available slots and function worker
// registrations. The supervisor relies only on single-key atomicity
// and tolerates races across keys via idempotent removals; no
// cross-key transactions are assumed.
package coordstore

import "context"

// Store is the seven-operation surface the supervisor needs from the
// coordination store. Every call is atomic with respect to its own key.
type Store interface {
	// LPop pops and returns the head of queue, or ("", false, nil) if empty.
	LPop(ctx context.Context, queue string) (string, bool, error)
	// RPush appends value to the tail of queue.
	RPush(ctx context.Context, queue, value string) error
	// ZAdd inserts member into set with score.
	ZAdd(ctx context.Context, set, member string, score float64) error
	// ZRem removes member from set.
	ZRem(ctx context.Context, set, member string) error
	// ZRange returns all members of set.
	ZRange(ctx context.Context, set string) ([]string, error)
	// Keys returns all keys matching pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Delete removes key entirely.
	Delete(ctx context.Context, key string) error
}

// AvailableQueue is the FIFO queue of slot names awaiting assignment.
const AvailableQueue = "available_dockers"

// WorkersKey returns the sorted-set key for a function's active workers.
func WorkersKey(function string) string {
	return "workers:" + function
}

// WorkersPattern matches every function's workers set key.
const WorkersPattern = "workers:*"
