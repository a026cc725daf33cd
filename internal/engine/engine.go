// Package engine is the dispatch core: it accepts notifications, runs one
// send loop per vendor route, and settles every accepted notification's
// receipt exactly once. Vendor specifics live below it in the wire codecs and
// gateway transports; callers above it see only Send, Cancel and feedback
// observers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/feedback"
	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Wire identifiers cycle through this band, matching the classic gateway
// convention of leaving low values free for handshakes and tooling.
const (
	identifierFloor = 1000
	identifierCeil  = 1<<31 - 1
)

// Engine defaults.
const (
	DefaultQueueDepth     = 100
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 30 * time.Second
)

// RouteConfig describes one vendor route: how to encode for it, how to reach
// it, and how its deliveries are tracked.
type RouteConfig struct {
	Codec  wire.Codec
	Dialer gateway.Dialer
	// QueueDepth bounds the route's pending queue.
	QueueDepth int
	// Deferred marks vendors whose protocol carries no positive acks (the
	// APNs binary gateway): silence past the ack grace counts as
	// delivery, and an error frame adjudicates everything else in flight.
	Deferred bool
	// FeedbackSource, when set, is polled for dead tokens.
	FeedbackSource feedback.Source
	Tracker        dispatch.TrackerConfig
	Manager        gateway.ManagerConfig
}

// Config assembles an engine.
type Config struct {
	Routes   []RouteConfig
	Feedback feedback.Config
	// RetryBaseDelay and RetryMaxDelay bound the per-notification backoff
	// applied before retransmits.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type route struct {
	vendor   push.Vendor
	codec    wire.Codec
	queue    *dispatch.Queue
	tracker  *dispatch.Tracker
	manager  *gateway.Manager
	deferred bool
	source   feedback.Source
}

// Engine owns the routes and their worker goroutines.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	codecs   *wire.Registry
	routes   map[push.Vendor]*route
	feedback *feedback.Processor
	metrics  *Metrics

	identSeq atomic.Uint64
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	runCancel context.CancelFunc
}

// New builds an engine from its routes. It fails fast on duplicate or
// mismatched vendor wiring so a bad deployment never half-starts.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("engine: at least one route is required")
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "push_engine"),
		routes:   make(map[push.Vendor]*route, len(cfg.Routes)),
		feedback: feedback.NewProcessor(cfg.Feedback, logger),
		metrics:  &Metrics{},
	}

	codecs := make([]wire.Codec, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		if rc.Codec == nil || rc.Dialer == nil {
			return nil, fmt.Errorf("engine: route needs both a codec and a dialer")
		}
		vendor := rc.Dialer.Vendor()
		if rc.Codec.Vendor() != vendor {
			return nil, fmt.Errorf("engine: codec %q wired to dialer %q", rc.Codec.Vendor(), vendor)
		}
		if _, dup := e.routes[vendor]; dup {
			return nil, fmt.Errorf("engine: duplicate route for vendor %q", vendor)
		}

		depth := rc.QueueDepth
		if depth <= 0 {
			depth = DefaultQueueDepth
		}
		queue := dispatch.NewQueue(depth)
		r := &route{
			vendor:   vendor,
			codec:    rc.Codec,
			queue:    queue,
			manager:  gateway.NewManager(rc.Manager, rc.Dialer, logger),
			deferred: rc.Deferred,
			source:   rc.FeedbackSource,
		}
		r.tracker = dispatch.NewTracker(rc.Tracker, queue, dispatch.Hooks{
			Feedback: func(entry push.FeedbackEntry) {
				e.metrics.feedback.Add(1)
				e.feedback.Submit(entry)
			},
			Resolved: e.recordOutcome,
		}, logger)

		e.routes[vendor] = r
		codecs = append(codecs, rc.Codec)
	}
	e.codecs = wire.NewRegistry(codecs...)
	return e, nil
}

// Start launches the per-route workers and the feedback machinery. The
// engine runs until Close or until ctx ends.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCancel = cancel
	e.mu.Unlock()

	go e.feedback.Run(runCtx)

	for _, r := range e.routes {
		r.manager.Start(runCtx)
		r.tracker.Start(runCtx)
		if r.source != nil {
			go e.feedback.PollSource(runCtx, r.vendor, r.source)
		}
		e.wg.Add(2)
		go e.senderLoop(runCtx, r)
		go e.eventLoop(runCtx, r)
	}
	e.logger.Info("engine started", "routes", len(e.routes))
}

// Send validates and encodes n, then queues it for delivery. The returned
// receipt resolves exactly once with the notification's final outcome.
// Validation failures are synchronous; after Send returns nil error, the
// outcome arrives through the receipt.
func (e *Engine) Send(n *push.Notification) (*push.Receipt, error) {
	if e.closed.Load() {
		return nil, push.ErrEngineClosed
	}
	if len(n.DeviceToken) == 0 {
		return nil, push.ErrEmptyDeviceToken
	}
	codec, err := e.codecs.ForVendor(n.Vendor)
	if err != nil {
		return nil, err
	}
	r := e.routes[n.Vendor]

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	// Encoding up front surfaces payload problems to the caller instead
	// of to a queue consumer, and the frame doubles as attempt one.
	frame, err := codec.Encode(n, e.nextIdentifier())
	if err != nil {
		return nil, err
	}

	receipt := push.NewReceipt(n.ID)
	receipt.SetCanceller(func() {
		if e.Cancel(n.ID) {
			return
		}
		// Already handed to a transport: the vendor may still deliver,
		// but the outcome the caller sees is pinned to cancelled.
		outcome := push.DeliveryOutcome{
			NotificationID: n.ID,
			Status:         push.StatusCancelled,
			Reason:         push.ReasonCancelled,
		}
		if receipt.Resolve(outcome) {
			e.recordOutcome(outcome)
		}
	})
	item := &dispatch.Item{Notification: n, Frame: frame, Receipt: receipt}

	if err := r.queue.Enqueue(item); err != nil {
		if err == dispatch.ErrClosed {
			return nil, push.ErrEngineClosed
		}
		e.metrics.queueFull.Add(1)
		return nil, err
	}
	e.metrics.enqueued.Add(1)
	return receipt, nil
}

// Cancel removes a still-queued notification and resolves its receipt as
// cancelled. Once a notification is in flight cancellation no longer applies
// and Cancel reports false.
func (e *Engine) Cancel(id uuid.UUID) bool {
	for _, r := range e.routes {
		item := r.queue.Remove(id)
		if item == nil {
			continue
		}
		e.resolveDirect(item, push.StatusCancelled, push.ReasonCancelled)
		return true
	}
	return false
}

// RegisterFeedbackObserver subscribes fn to token invalidation reports.
func (e *Engine) RegisterFeedbackObserver(fn push.FeedbackObserver) {
	e.feedback.Register(fn)
}

// Metrics returns a snapshot of engine counters plus current queue and
// in-flight occupancy.
func (e *Engine) Metrics() MetricsSnapshot {
	snap := e.metrics.snapshot()
	for _, r := range e.routes {
		snap.Queued += r.queue.Len()
		snap.InFlight += r.tracker.Pending()
	}
	return snap
}

// Close stops accepting work, fails everything still queued or in flight
// with a shutdown outcome, and tears the connections down. It waits for the
// worker goroutines up to ctx's deadline.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	cancel := e.runCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	for _, r := range e.routes {
		for _, item := range r.queue.Close() {
			e.resolveDirect(item, push.StatusFailed, push.ReasonShutdown)
		}
		r.tracker.Shutdown()
		_ = r.manager.Close()
	}
	e.logger.Info("engine closed")
	return waitErr
}

// senderLoop is a route's single transmitter: it re-encodes retries with a
// fresh identifier, paces them, and hands frames to the live connection.
func (e *Engine) senderLoop(ctx context.Context, r *route) {
	defer e.wg.Done()
	logger := e.logger.With("vendor", string(r.vendor))
	for {
		item, err := r.queue.Next(ctx)
		if err != nil {
			return
		}

		// A settled receipt means the caller cancelled mid-flight and the
		// item came back through a retry; there is nobody left to deliver
		// for.
		if _, settled := item.Receipt.Outcome(); settled {
			continue
		}

		if item.Notification.Expired(time.Now()) {
			e.resolveDirect(item, push.StatusExpired, push.ReasonExpired)
			continue
		}

		if item.Attempts > 0 {
			select {
			case <-ctx.Done():
				r.queue.Requeue(item)
				return
			case <-time.After(e.retryDelay(item.Attempts)):
			}
		}

		conn, connID, err := r.manager.Acquire(ctx)
		if err != nil {
			r.queue.Requeue(item)
			return
		}
		if err := r.tracker.Reserve(ctx); err != nil {
			r.queue.Requeue(item)
			return
		}

		item.Attempts++
		frame := item.Frame
		item.Frame = nil
		if frame == nil {
			frame, err = r.codec.Encode(item.Notification, e.nextIdentifier())
			if err != nil {
				// The payload encoded at enqueue time, so this is
				// a programming error, not a caller mistake.
				logger.Error("re-encode failed", "notification_id", item.Notification.ID, "error", err)
				r.tracker.Release()
				e.resolveDirect(item, push.StatusFailed, push.ReasonProcessingError)
				continue
			}
		}

		r.tracker.Track(item, frame.Identifier, connID, r.deferred)
		if err := conn.Send(ctx, frame); err != nil {
			logger.Warn("send failed", "conn_id", connID, "error", err)
			r.manager.Discard(connID, err)
			continue
		}
		e.metrics.sent.Add(1)
		if item.Attempts > 1 {
			e.metrics.retried.Add(1)
		}
	}
}

// eventLoop applies one route's connection observations to its tracker.
func (e *Engine) eventLoop(ctx context.Context, r *route) {
	defer e.wg.Done()
	events := r.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch {
			case ev.Down():
				r.manager.Forget(ev.ConnID)
				r.tracker.ConnDown(ev.ConnID)
			case ev.Response.Ack:
				r.tracker.Ack(ev.ConnID, ev.Identifier, ev.Response.Canonical)
			case ev.Response.Err != nil:
				r.tracker.Fail(ev.ConnID, ev.Identifier, ev.Response.Err)
			}
		}
	}
}

// recordOutcome feeds tracker resolutions into the counters.
func (e *Engine) recordOutcome(outcome push.DeliveryOutcome) {
	switch outcome.Status {
	case push.StatusAcked:
		e.metrics.acked.Add(1)
	case push.StatusFailed:
		e.metrics.failed.Add(1)
	case push.StatusExpired:
		e.metrics.expired.Add(1)
	case push.StatusCancelled:
		e.metrics.cancelled.Add(1)
	}
}

// resolveDirect settles an item the tracker never saw (still queued, or
// rejected before transmit).
func (e *Engine) resolveDirect(item *dispatch.Item, status push.Status, reason push.Reason) {
	outcome := push.DeliveryOutcome{
		NotificationID: item.Notification.ID,
		Status:         status,
		Reason:         reason,
		Attempts:       item.Attempts,
	}
	if item.Receipt.Resolve(outcome) {
		e.recordOutcome(outcome)
	}
}

// nextIdentifier hands out wire identifiers, cycling within the band.
func (e *Engine) nextIdentifier() uint32 {
	n := e.identSeq.Add(1) - 1
	const span = uint64(identifierCeil-identifierFloor) + 1
	return uint32(identifierFloor + n%span)
}

// retryDelay backs a retransmit off exponentially with jitter. attempts is
// the count already made, so the first retry waits around the base delay.
func (e *Engine) retryDelay(attempts int) time.Duration {
	d := e.cfg.RetryBaseDelay
	for i := 1; i < attempts && d < e.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > e.cfg.RetryMaxDelay {
		d = e.cfg.RetryMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
