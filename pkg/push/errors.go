package push

import "errors"

// Sentinel errors surfaced synchronously to callers or used to classify
// connection-level failures. Everything else reaches callers only through a
// DeliveryOutcome.
var (
	// ErrQueueFull is the backpressure signal: the dispatch queue for the
	// target vendor is at its depth limit. The engine never retries these;
	// the caller decides to drop, delay or reroute.
	ErrQueueFull = errors.New("push: dispatch queue full")

	// ErrPayloadTooLarge means the serialized payload exceeds the vendor's
	// frame limit. Returned at enqueue time; the notification is never
	// handed to a transport.
	ErrPayloadTooLarge = errors.New("push: payload exceeds vendor frame limit")

	// ErrUnsupportedField means a payload field cannot be represented in
	// the target vendor's schema.
	ErrUnsupportedField = errors.New("push: payload field not representable for vendor")

	// ErrMalformedFrame means a vendor response could not be decoded. It is
	// connection-fatal: the owning connection is torn down and re-dialed.
	ErrMalformedFrame = errors.New("push: malformed vendor frame")

	// ErrUnknownVendor means the notification names a vendor the engine has
	// no configured transport for.
	ErrUnknownVendor = errors.New("push: unknown vendor")

	// ErrEmptyDeviceToken rejects notifications with no target device.
	ErrEmptyDeviceToken = errors.New("push: empty device token")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("push: engine closed")
)
