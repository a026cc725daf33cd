// Package gateway manages the engine's vendor connections. A Manager owns at
// most one live Transport per vendor route, dials it lazily with exponential
// backoff, and retires it when it breaks or goes idle. Everything a transport
// learns flows back through one Event channel, so the tracker sees a uniform
// stream regardless of whether the vendor speaks a binary socket protocol or
// request/response HTTP.
package gateway

import (
	"context"
	"errors"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// ErrClosed is returned by Acquire after the manager shuts down.
var ErrClosed = errors.New("gateway: manager closed")

// Event is one observation from a vendor connection. Response events carry a
// decoded ack or rejection for the identified frame. Down events report the
// connection itself failing; Response is nil and Err says why.
type Event struct {
	ConnID     uint64
	Identifier uint32
	Response   *wire.Response
	Err        error
}

// Down reports whether this event is a connection loss rather than a
// per-notification result.
func (e Event) Down() bool { return e.Response == nil }

// Transport is one live vendor connection. Send either writes the frame or
// hands it to an in-flight request; results and connection failures are
// reported on the manager's event channel, tagged with the transport's conn
// id. Implementations may complete Send asynchronously.
type Transport interface {
	Send(ctx context.Context, frame *wire.Frame) error
	Close() error
}

// Dialer opens transports for one vendor. Dial is given the event channel the
// transport must publish to and the conn id to tag events with.
type Dialer interface {
	Vendor() push.Vendor
	Dial(ctx context.Context, events chan<- Event, connID uint64) (Transport, error)
}
