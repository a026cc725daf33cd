// Package feedback turns vendor token-invalidation reports into observer
// callbacks. Entries arrive from two directions: inline rejections spotted by
// the tracker, and the APNs feedback service, which must be polled. Either
// way an entry reaches each registered observer once per dedup window.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

const (
	DefaultDedupWindow  = 24 * time.Hour
	DefaultPollInterval = 12 * time.Hour

	pruneInterval = time.Hour
)

// Source is a pollable vendor feedback feed. Fetch may return tuples together
// with an error when the feed was readable but ended badly.
type Source interface {
	Fetch(ctx context.Context) ([]wire.FeedbackTuple, error)
}

// Config tunes the processor.
type Config struct {
	// DedupWindow suppresses repeat reports for the same token and reason.
	DedupWindow time.Duration
	// PollInterval is how often polled sources are drained.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Processor fans feedback entries out to observers. Submit never blocks the
// caller; dispatch happens on the Run goroutine.
type Processor struct {
	cfg    Config
	logger *slog.Logger
	signal chan struct{}
	now    func() time.Time

	mu        sync.Mutex
	observers []push.FeedbackObserver
	pending   []push.FeedbackEntry
	seen      map[string]time.Time
}

func NewProcessor(cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "feedback_processor"),
		signal: make(chan struct{}, 1),
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Register adds an observer. Observers only see entries submitted after
// registration.
func (p *Processor) Register(fn push.FeedbackObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Submit queues an entry for dispatch. Safe to call from any goroutine,
// including ones holding engine locks.
func (p *Processor) Submit(entry push.FeedbackEntry) {
	p.mu.Lock()
	p.pending = append(p.pending, entry)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run dispatches queued entries until ctx ends.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		for _, entry := range p.take() {
			p.dispatch(entry)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		case <-ticker.C:
			p.prune(p.now())
		}
	}
}

// PollSource drains src on the configured interval, starting immediately.
// Entries are reported as not-registered: the vendor keeps a token on its
// feedback feed exactly because deliveries to it stopped landing anywhere.
func (p *Processor) PollSource(ctx context.Context, vendor push.Vendor, src Source) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.drainSource(ctx, vendor, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) drainSource(ctx context.Context, vendor push.Vendor, src Source) {
	tuples, err := src.Fetch(ctx)
	if err != nil {
		p.logger.Warn("feedback poll failed", "vendor", string(vendor), "tuples", len(tuples), "error", err)
	}
	for _, tuple := range tuples {
		p.Submit(push.FeedbackEntry{
			DeviceToken:   tuple.Token,
			Vendor:        vendor,
			InvalidatedAt: tuple.Timestamp,
			Reason:        push.ReasonNotRegistered,
		})
	}
}

func (p *Processor) take() []push.FeedbackEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

func (p *Processor) dispatch(entry push.FeedbackEntry) {
	key := string(entry.Vendor) + "/" + push.TokenKey(entry.DeviceToken) + "/" + string(entry.Reason)
	now := p.now()

	p.mu.Lock()
	if last, ok := p.seen[key]; ok && now.Sub(last) < p.cfg.DedupWindow {
		p.mu.Unlock()
		p.logger.Debug("duplicate feedback suppressed", "vendor", string(entry.Vendor), "reason", string(entry.Reason))
		return
	}
	p.seen[key] = now
	observers := make([]push.FeedbackObserver, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	p.logger.Info("token feedback",
		"vendor", string(entry.Vendor),
		"reason", string(entry.Reason),
		"replacement", len(entry.ReplacementToken) > 0)
	for _, fn := range observers {
		fn(entry)
	}
}

func (p *Processor) prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, at := range p.seen {
		if now.Sub(at) >= p.cfg.DedupWindow {
			delete(p.seen, key)
		}
	}
}
