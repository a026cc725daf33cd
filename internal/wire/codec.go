// Package wire encodes notifications into vendor wire frames and decodes the
// vendor responses and feedback streams back into engine-level results. Each
// vendor has one Codec; everything above this package works with Frame and
// Response values and never touches raw protocol bytes.
package wire

import (
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Frame is a fully encoded request for one notification. Body is exactly the
// bytes the transport writes: a binary packet for APNs, an HTTP request body
// for GCM and BB10.
type Frame struct {
	NotificationID uuid.UUID
	Identifier     uint32
	DeviceToken    []byte
	Body           []byte
}

// DeliveryError describes a vendor rejection decoded from a response.
// Identifier is only meaningful for APNs, whose error frames name the failed
// notification in-band; HTTP vendors correlate by request instead.
type DeliveryError struct {
	Identifier   uint32
	Reason       push.Reason
	Retryable    bool
	TokenInvalid bool
}

// Response is the decoded result of one vendor exchange. Exactly one of Ack
// or Err is meaningful. Canonical, when set, is a replacement token the
// vendor asked us to use from now on.
type Response struct {
	Ack       bool
	Err       *DeliveryError
	Canonical []byte
}

// FeedbackTuple is one entry from a vendor feedback stream: a token the
// vendor declared dead, and when it decided that.
type FeedbackTuple struct {
	Timestamp time.Time
	Token     []byte
}

// Codec translates between notifications and one vendor's wire format.
// Encode must be safe for concurrent use; codecs hold no per-notification
// state.
type Codec interface {
	Vendor() push.Vendor
	// MaxPayload is the vendor's payload size limit in bytes. Encode
	// enforces it, returning push.ErrPayloadTooLarge.
	MaxPayload() int
	// Encode builds the wire frame for n. The identifier is stamped into
	// protocols that carry one in-band and recorded on the frame either
	// way. Unsupported payload fields return push.ErrUnsupportedField.
	Encode(n *push.Notification, identifier uint32) (*Frame, error)
	// DecodeResponse parses bytes read back from the vendor.
	DecodeResponse(data []byte) (*Response, error)
}

// Registry holds the configured codec for each vendor.
type Registry struct {
	codecs map[push.Vendor]Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[push.Vendor]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Vendor()] = c
	}
	return r
}

// ForVendor returns the codec for v, or push.ErrUnknownVendor if none was
// registered.
func (r *Registry) ForVendor(v push.Vendor) (Codec, error) {
	c, ok := r.codecs[v]
	if !ok {
		return nil, push.ErrUnknownVendor
	}
	return c, nil
}
