// Package repository defines error types that are reused across multiple
// stores. These sentinel values allow higher layers such as services
// and handlers to branch on the outcome of a conflicting concurrent
// write without parsing error messages. For example, ErrSeatAlreadyHeld
// indicates that another buyer won the race for at least one seat in a
// batch, while ErrStoreUnavailable signals that the shared store could
// not be reached and the request must fail closed.
package repository

import "errors"

// ErrStoreUnavailable is returned when the shared capacity/hold store
// cannot be reached. Admission and holds fail closed on this error:
// the caller may retry, but nothing is ever silently admitted or held.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrSeatAlreadyHeld is returned when at least one seat in a batch hold
// request is held under a different idempotency key. The batch is
// all-or-nothing: no partial holds are left behind.
var ErrSeatAlreadyHeld = errors.New("seat already held")

// ErrSeatHoldExpired is returned when a confirm or verify finds that a
// hold no longer exists. The caller must restart from the hold step.
var ErrSeatHoldExpired = errors.New("seat hold expired")

// ErrInsufficientBalance is returned by a debit whose amount exceeds
// the user's current balance. No ledger entry is written.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrNotQueued is returned by status lookups for a user key with no
// live waiting entry and no admitted session.
var ErrNotQueued = errors.New("not queued")

// ErrLockNotAcquired is returned when the leader lease is currently
// held by another instance.
var ErrLockNotAcquired = errors.New("lock not acquired")
