package engine

import "sync/atomic"

// Metrics counts engine activity. All fields are atomics so the hot paths
// never contend on a lock for accounting.
type Metrics struct {
	enqueued  atomic.Int64
	sent      atomic.Int64
	retried   atomic.Int64
	acked     atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	cancelled atomic.Int64
	queueFull atomic.Int64
	feedback  atomic.Int64
}

// MetricsSnapshot is a point-in-time copy, shaped for the metrics endpoint.
type MetricsSnapshot struct {
	Enqueued  int64 `json:"enqueued"`
	Sent      int64 `json:"sent"`
	Retried   int64 `json:"retried"`
	Acked     int64 `json:"acked"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
	Cancelled int64 `json:"cancelled"`
	QueueFull int64 `json:"queue_full"`
	Feedback  int64 `json:"feedback"`
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Enqueued:  m.enqueued.Load(),
		Sent:      m.sent.Load(),
		Retried:   m.retried.Load(),
		Acked:     m.acked.Load(),
		Failed:    m.failed.Load(),
		Expired:   m.expired.Load(),
		Cancelled: m.cancelled.Load(),
		QueueFull: m.queueFull.Load(),
		Feedback:  m.feedback.Load(),
	}
}
