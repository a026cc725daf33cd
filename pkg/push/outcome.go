package push

import (
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a delivery. Transitions are monotone: once
// a terminal status is reached the record never moves again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAcked     Status = "acked"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the delivery lifecycle.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// DeliveryOutcome is the final result of one notification, delivered exactly
// once per notification through its Receipt.
type DeliveryOutcome struct {
	NotificationID uuid.UUID
	Status         Status
	Reason         Reason
	// Attempts counts transport hand-offs, including the final one.
	Attempts int
}

// Receipt is the caller's handle on an in-flight notification: a future for
// its DeliveryOutcome plus best-effort cancellation.
type Receipt struct {
	id   uuid.UUID
	done chan struct{}

	mu      sync.Mutex
	outcome DeliveryOutcome
	cancel  func()
}

// NewReceipt creates an unresolved receipt for the given notification id.
// Engines construct receipts; callers only read them.
func NewReceipt(id uuid.UUID) *Receipt {
	return &Receipt{id: id, done: make(chan struct{})}
}

// NotificationID returns the id of the notification this receipt tracks.
func (r *Receipt) NotificationID() uuid.UUID {
	return r.id
}

// Done returns a channel closed once the delivery outcome is known.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the delivery outcome and whether it has been resolved yet.
// It never blocks; use Done to wait.
func (r *Receipt) Outcome() (DeliveryOutcome, bool) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.outcome, true
	default:
		return DeliveryOutcome{}, false
	}
}

// Cancel requests cancellation. A notification still queued is removed and
// resolved Cancelled; once handed to a transport, cancellation only stops the
// outcome from being reported as anything other than Cancelled — the vendor
// may still deliver it.
func (r *Receipt) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetCanceller installs the engine-side cancellation hook. The engine calls
// this once, before the receipt is returned to the caller.
func (r *Receipt) SetCanceller(cancel func()) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

// Resolve records the outcome and closes Done. The first call wins; later
// calls report false and change nothing, which gives the exactly-once
// completion guarantee under retries.
func (r *Receipt) Resolve(outcome DeliveryOutcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return false
	default:
	}
	r.outcome = outcome
	close(r.done)
	return true
}
