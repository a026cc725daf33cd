package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Tracker defaults, applied by NewTracker when the config leaves them zero.
const (
	DefaultRetryBudget = 3
	DefaultAckGrace    = 5 * time.Second
	DefaultMaxInFlight = 32
	DefaultRetention   = 30 * time.Second

	sweepInterval = 500 * time.Millisecond
)

// TrackerConfig tunes one route's tracker.
type TrackerConfig struct {
	// RetryBudget is the maximum number of transmit attempts per
	// notification, first attempt included.
	RetryBudget int
	// AckGrace is how long a deferred-ack record stays pending before the
	// silence is read as delivery. Only stream vendors use deferred acks;
	// request/response vendors always produce an explicit event.
	AckGrace time.Duration
	// MaxInFlight bounds tracked-but-unresolved deliveries on the route.
	MaxInFlight int
	// Retention is how long a settled record's key is remembered, so a late
	// duplicate event is recognized instead of mistaken for an unknown one.
	Retention time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.AckGrace <= 0 {
		c.AckGrace = DefaultAckGrace
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Requeuer puts an item back at the front of its route's queue.
type Requeuer interface {
	Requeue(item *Item)
}

// Hooks are optional tracker callbacks. Both run under the tracker mutex and
// must not block or call back into the tracker.
type Hooks struct {
	// Feedback receives an entry whenever a vendor response invalidates
	// or replaces a token.
	Feedback func(push.FeedbackEntry)
	// Resolved receives every outcome the tracker settles.
	Resolved func(push.DeliveryOutcome)
}

// record is one tracked transmit. Live state exists only while pending:
// settling removes the record and leaves a timestamp tombstone behind for the
// retention window, so a late duplicate event is a recognized no-op and can
// never resolve a receipt twice.
type record struct {
	item       *Item
	identifier uint32
	connID     uint64
	seq        uint64
	deferred   bool
	sentAt     time.Time
}

// settledKey identifies a settled record in the retention ledger.
type settledKey struct {
	connID     uint64
	identifier uint32
}

// Tracker owns the delivery state of every transmitted notification on one
// route. It is the only code that resolves receipts after transmit, and all
// mutation happens under one mutex.
type Tracker struct {
	cfg     TrackerConfig
	requeue Requeuer
	hooks   Hooks
	logger  *slog.Logger
	slots   chan struct{}
	now     func() time.Time

	mu      sync.Mutex
	seq     uint64
	byConn  map[uint64]map[uint32]*record
	settled map[settledKey]time.Time
}

// NewTracker wires a tracker to its route's queue.
func NewTracker(cfg TrackerConfig, requeue Requeuer, hooks Hooks, logger *slog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:     cfg,
		requeue: requeue,
		hooks:   hooks,
		logger:  logger.With("component", "delivery_tracker"),
		slots:   make(chan struct{}, cfg.MaxInFlight),
		now:     time.Now,
		byConn:  make(map[uint64]map[uint32]*record),
		settled: make(map[settledKey]time.Time),
	}
}

// Start runs the deferred-ack sweep until ctx ends.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(t.now())
			}
		}
	}()
}

// Reserve blocks until an in-flight slot is free. Every Track call must be
// preceded by a successful Reserve; the slot is given back when the record
// settles or is requeued.
func (t *Tracker) Reserve(ctx context.Context) error {
	select {
	case t.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a reserved slot that never became a tracked record, such as
// when re-encoding for a retry fails.
func (t *Tracker) Release() {
	<-t.slots
}

// Track records a transmit that is going onto the wire. deferred marks
// records whose vendor sends no positive acks, making them eligible for
// grace-based acking and for the before/after split on error frames.
func (t *Tracker) Track(item *Item, identifier uint32, connID uint64, deferred bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	conn, ok := t.byConn[connID]
	if !ok {
		conn = make(map[uint32]*record)
		t.byConn[connID] = conn
	}
	conn[identifier] = &record{
		item:       item,
		identifier: identifier,
		connID:     connID,
		seq:        t.seq,
		deferred:   deferred,
		sentAt:     t.now(),
	}
}

// Pending reports tracked records that have not settled.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, conn := range t.byConn {
		n += len(conn)
	}
	return n
}

// Ack settles a record as delivered. canonical, when non-nil, is a
// replacement token the vendor told us to use; it is surfaced as feedback so
// callers can migrate their registrations.
func (t *Tracker) Ack(connID uint64, identifier uint32, canonical []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byConn[connID][identifier]
	if !ok {
		t.dropEventLocked("ack", connID, identifier)
		return
	}
	if canonical != nil {
		t.emitFeedback(push.FeedbackEntry{
			DeviceToken:      rec.item.Notification.DeviceToken,
			Vendor:           rec.item.Notification.Vendor,
			InvalidatedAt:    t.now(),
			Reason:           push.ReasonCanonicalReplaced,
			ReplacementToken: canonical,
		})
	}
	t.settleLocked(rec, push.StatusAcked, push.ReasonNone)
}

// Fail applies a decoded vendor rejection. For request/response vendors this
// settles or retries the one record. For deferred-ack streams the error frame
// also tells us the fate of everything else on the connection: records sent
// before the named one were processed and are acked, records sent after it
// were discarded by the vendor and go back on the queue.
func (t *Tracker) Fail(connID uint64, identifier uint32, derr *wire.DeliveryError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.byConn[connID]
	rec, ok := conn[identifier]
	if !ok {
		t.dropEventLocked("error", connID, identifier)
		return
	}

	if !rec.deferred {
		t.settleRejectionLocked(rec, derr)
		return
	}

	var before, after []*record
	for _, r := range conn {
		switch {
		case r.seq < rec.seq:
			before = append(before, r)
		case r.seq > rec.seq:
			after = append(after, r)
		}
	}
	for _, r := range before {
		t.settleLocked(r, push.StatusAcked, push.ReasonNone)
	}

	switch derr.Reason {
	case push.ReasonNone, push.ReasonVendorShutdown:
		// The frame names the last notification the vendor processed,
		// not a failure of it.
		t.settleLocked(rec, push.StatusAcked, push.ReasonNone)
	default:
		t.settleRejectionLocked(rec, derr)
	}

	// Requeue newest first so the queue front ends up oldest first.
	sort.Slice(after, func(i, j int) bool { return after[i].seq > after[j].seq })
	for _, r := range after {
		t.requeueLocked(r)
	}
}

// ConnDown sweeps up every record stranded on a dead connection. Deferred
// records older than the ack grace are taken as delivered; everything else
// goes back on the queue for another attempt.
func (t *Tracker) ConnDown(connID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.byConn[connID]
	if len(conn) == 0 {
		delete(t.byConn, connID)
		return
	}

	now := t.now()
	recs := make([]*record, 0, len(conn))
	for _, r := range conn {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	for _, r := range recs {
		if r.deferred && now.Sub(r.sentAt) >= t.cfg.AckGrace {
			t.settleLocked(r, push.StatusAcked, push.ReasonNone)
			continue
		}
		t.requeueLocked(r)
	}
	delete(t.byConn, connID)
}

// Shutdown fails every pending record. Used when the engine closes with work
// still in flight.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.byConn {
		for _, rec := range conn {
			t.settleLocked(rec, push.StatusFailed, push.ReasonShutdown)
		}
	}
	t.byConn = make(map[uint64]map[uint32]*record)
	t.settled = make(map[settledKey]time.Time)
}

// sweep resolves deferred records whose grace has elapsed (the vendor had
// every chance to reject them and stayed silent) and expires settled-record
// tombstones past the retention window.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.byConn {
		for _, rec := range conn {
			if rec.deferred && now.Sub(rec.sentAt) >= t.cfg.AckGrace {
				t.settleLocked(rec, push.StatusAcked, push.ReasonNone)
			}
		}
	}
	for key, settledAt := range t.settled {
		if now.Sub(settledAt) >= t.cfg.Retention {
			delete(t.settled, key)
		}
	}
}

// settleRejectionLocked applies retry policy to a rejected record.
func (t *Tracker) settleRejectionLocked(rec *record, derr *wire.DeliveryError) {
	reason := derr.Reason
	if reason == "" {
		reason = push.ReasonUnknown
	}
	if derr.TokenInvalid {
		t.emitFeedback(push.FeedbackEntry{
			DeviceToken:   rec.item.Notification.DeviceToken,
			Vendor:        rec.item.Notification.Vendor,
			InvalidatedAt: t.now(),
			Reason:        reason,
		})
	}
	if derr.Retryable {
		t.requeueLocked(rec)
		return
	}
	t.settleLocked(rec, push.StatusFailed, reason)
}

// requeueLocked sends a record's item back to the queue, or fails it when its
// transmit budget is spent.
func (t *Tracker) requeueLocked(rec *record) {
	if rec.item.Attempts >= t.cfg.RetryBudget {
		t.settleLocked(rec, push.StatusFailed, push.ReasonRetriesExhausted)
		return
	}
	t.dropLocked(rec)
	t.requeue.Requeue(rec.item)
	t.logger.Debug("requeued for retry",
		"notification_id", rec.item.Notification.ID,
		"attempts", rec.item.Attempts)
}

// settleLocked resolves a record's receipt and replaces it with a tombstone.
// The receipt's own first-wins gate plus the map removal make resolution
// exactly-once.
func (t *Tracker) settleLocked(rec *record, status push.Status, reason push.Reason) {
	t.dropLocked(rec)
	t.settled[settledKey{connID: rec.connID, identifier: rec.identifier}] = t.now()
	outcome := push.DeliveryOutcome{
		NotificationID: rec.item.Notification.ID,
		Status:         status,
		Reason:         reason,
		Attempts:       rec.item.Attempts,
	}
	if rec.item.Receipt.Resolve(outcome) && t.hooks.Resolved != nil {
		t.hooks.Resolved(outcome)
	}
}

func (t *Tracker) dropLocked(rec *record) {
	if conn, ok := t.byConn[rec.connID]; ok {
		if cur, ok := conn[rec.identifier]; ok && cur == rec {
			delete(conn, rec.identifier)
			select {
			case <-t.slots:
			default:
			}
		}
	}
}

// dropEventLocked logs an event that matched no live record, noting whether it
// duplicates one settled inside the retention window.
func (t *Tracker) dropEventLocked(event string, connID uint64, identifier uint32) {
	if _, dup := t.settled[settledKey{connID: connID, identifier: identifier}]; dup {
		t.logger.Debug("duplicate event for settled record",
			"event", event, "conn_id", connID, "identifier", identifier)
		return
	}
	t.logger.Debug("event for unknown record",
		"event", event, "conn_id", connID, "identifier", identifier)
}

func (t *Tracker) emitFeedback(entry push.FeedbackEntry) {
	if t.hooks.Feedback != nil {
		t.hooks.Feedback(entry)
	}
}
