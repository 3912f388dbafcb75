package retry

import (
	"time"
)

// Clock abstracts time so backoff decisions can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Policy describes the deferred retry schedule of a coordinator.
type Policy struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Cap bounds the exponent so the wait stops growing after Cap doublings.
	Cap int
	// MaxRetries is the number of consecutive failures tolerated before self-disable.
	MaxRetries int
}

// DefaultPolicy returns the coordinator defaults: 1s base, cap 6 (64s), 5 retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		Cap:        6,
		MaxRetries: 5,
	}
}

// Wait returns BaseDelay × 2^min(attempts, Cap).
func (p Policy) Wait(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := min(attempts, p.Cap)
	if exp < 0 {
		exp = 0
	}
	return p.BaseDelay * time.Duration(uint64(1)<<uint(exp))
}

// NextEligible returns the earliest instant the entry may be retried.
func (p Policy) NextEligible(attempts int, lastAttempt time.Time) time.Time {
	return lastAttempt.Add(p.Wait(attempts))
}

// Eligible reports whether enough time has passed since the last attempt.
func (p Policy) Eligible(attempts int, lastAttempt, now time.Time) bool {
	return !now.Before(p.NextEligible(attempts, lastAttempt))
}

// Entry is a failed item parked for a later attempt.
type Entry[T any] struct {
	Item        T
	Attempts    int
	LastAttempt time.Time
}

// Queue is a FIFO of retry entries. It is not safe for concurrent use; it is
// owned by a single event loop.
type Queue[T any] struct {
	entries []Entry[T]
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an entry at the tail.
func (q *Queue[T]) Push(e Entry[T]) {
	q.entries = append(q.entries, e)
}

// Peek returns the head entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	if len(q.entries) == 0 {
		var zero Entry[T]
		return zero, false
	}
	return q.entries[0], true
}

// Pop removes and returns the head entry.
func (q *Queue[T]) Pop() (Entry[T], bool) {
	e, ok := q.Peek()
	if !ok {
		return e, false
	}
	var zero Entry[T]
	q.entries[0] = zero
	q.entries = q.entries[1:]
	return e, true
}

// UpdateHead replaces the head entry in place, keeping its position.
func (q *Queue[T]) UpdateHead(e Entry[T]) {
	if len(q.entries) > 0 {
		q.entries[0] = e
	}
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.entries)
}
