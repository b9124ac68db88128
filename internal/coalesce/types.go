// Package coalesce implements in-flight request deduplication and prompt
// compression: a RequestCoalescer that lets concurrent callers with
// an identical canonicalized request share one in-flight future, and a
// PromptOptimizer that shrinks a prompt's token footprint before it is
// sent to a provider.
package coalesce

import "time"

// CoalescedRequest is one in-flight record.
type CoalescedRequest struct {
	Hash         string
	RequestCount int
	StartedAt    time.Time
}

// Outcome is what every waiter on a coalesced record observes once the
// underlying call completes.
type Outcome struct {
	Value interface{}
	Err   error
}
