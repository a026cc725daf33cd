package feedback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu      sync.Mutex
	entries []push.FeedbackEntry
}

func (c *collector) observe(entry push.FeedbackEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func entryFor(token string, reason push.Reason) push.FeedbackEntry {
	return push.FeedbackEntry{
		DeviceToken:   []byte(token),
		Vendor:        push.VendorAPNS,
		InvalidatedAt: time.Now(),
		Reason:        reason,
	}
}

func TestProcessor_DeliversOncePerObserver(t *testing.T) {
	p := NewProcessor(Config{}, testLogger())
	first, second := &collector{}, &collector{}
	p.Register(first.observe)
	p.Register(second.observe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// The same dead token reported twice reaches each observer once.
	p.Submit(entryFor("token-a", push.ReasonInvalidToken))
	p.Submit(entryFor("token-a", push.ReasonInvalidToken))

	require.Eventually(t, func() bool {
		return first.count() == 1 && second.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, first.count(), "duplicate stays suppressed")
	assert.Equal(t, 1, second.count())
	assert.Equal(t, []byte("token-a"), first.entries[0].DeviceToken)
}

func TestProcessor_DistinctReasonsAreDistinctEntries(t *testing.T) {
	p := NewProcessor(Config{}, testLogger())
	c := &collector{}
	p.Register(c.observe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(entryFor("token-a", push.ReasonInvalidToken))
	p.Submit(entryFor("token-a", push.ReasonCanonicalReplaced))
	p.Submit(entryFor("token-b", push.ReasonInvalidToken))

	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_WindowExpiryAllowsRedelivery(t *testing.T) {
	p := NewProcessor(Config{DedupWindow: time.Hour}, testLogger())
	c := &collector{}
	p.Register(c.observe)

	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	p.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	entry := entryFor("token-a", push.ReasonInvalidToken)
	p.dispatch(entry)
	p.dispatch(entry)
	assert.Equal(t, 1, c.count())

	clockMu.Lock()
	clock = clock.Add(2 * time.Hour)
	clockMu.Unlock()

	p.dispatch(entry)
	assert.Equal(t, 2, c.count(), "a fresh window readmits the token")
}

func TestProcessor_Prune(t *testing.T) {
	p := NewProcessor(Config{DedupWindow: time.Hour}, testLogger())
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.dispatch(entryFor("token-a", push.ReasonInvalidToken))
	require.Len(t, p.seen, 1)

	p.prune(now.Add(30 * time.Minute))
	assert.Len(t, p.seen, 1, "inside the window nothing is dropped")

	p.prune(now.Add(2 * time.Hour))
	assert.Empty(t, p.seen)
}

type stubSource struct {
	mu     sync.Mutex
	tuples []wire.FeedbackTuple
	calls  int
}

func (s *stubSource) Fetch(context.Context) ([]wire.FeedbackTuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls > 1 {
		return nil, nil
	}
	return s.tuples, nil
}

func TestProcessor_PollSource(t *testing.T) {
	p := NewProcessor(Config{PollInterval: 10 * time.Millisecond}, testLogger())
	c := &collector{}
	p.Register(c.observe)

	src := &stubSource{tuples: []wire.FeedbackTuple{
		{Timestamp: time.Unix(1700000000, 0).UTC(), Token: []byte("dead-1")},
		{Timestamp: time.Unix(1700000500, 0).UTC(), Token: []byte("dead-2")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	go p.PollSource(ctx, push.VendorAPNS, src)

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		assert.Equal(t, push.VendorAPNS, entry.Vendor)
		assert.Equal(t, push.ReasonNotRegistered, entry.Reason)
	}
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), c.entries[0].InvalidatedAt)
}
