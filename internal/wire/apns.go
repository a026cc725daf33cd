package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// APNs legacy binary gateway framing. Requests use the enhanced notification
// format; responses are fixed 6-byte error frames. The byte layout is the
// vendor's published one and must not drift.
const (
	apnsCommandSend  = 1
	apnsCommandError = 8

	apnsErrorFrameLen = 6

	// APNSMaxPayload is the historical limit on the serialized JSON payload.
	APNSMaxPayload = 256
)

// APNs error frame status codes.
const (
	apnsStatusOK                 = 0
	apnsStatusProcessingError    = 1
	apnsStatusMissingDeviceToken = 2
	apnsStatusMissingTopic       = 3
	apnsStatusMissingPayload     = 4
	apnsStatusInvalidTokenSize   = 5
	apnsStatusInvalidTopicSize   = 6
	apnsStatusInvalidPayloadSize = 7
	apnsStatusInvalidToken       = 8
	apnsStatusShutdown           = 10
)

// APNSCodec implements Codec for the APNs binary gateway. It also decodes the
// feedback service stream, which only this vendor has.
type APNSCodec struct{}

func NewAPNSCodec() *APNSCodec {
	return &APNSCodec{}
}

func (c *APNSCodec) Vendor() push.Vendor { return push.VendorAPNS }

func (c *APNSCodec) MaxPayload() int { return APNSMaxPayload }

// Encode builds an enhanced-format frame: command byte, uint32 identifier,
// uint32 expiry, uint16 token length, token, uint16 payload length, payload.
// All integers are network byte order.
func (c *APNSCodec) Encode(n *push.Notification, identifier uint32) (*Frame, error) {
	payload, err := c.payloadJSON(n)
	if err != nil {
		return nil, err
	}
	if len(payload) > APNSMaxPayload {
		return nil, fmt.Errorf("%w: apns payload is %d bytes, limit %d",
			push.ErrPayloadTooLarge, len(payload), APNSMaxPayload)
	}

	var expiry uint32
	if !n.Expiry.IsZero() {
		expiry = uint32(n.Expiry.Unix())
	}

	buf := bytes.NewBuffer(make([]byte, 0, 1+4+4+2+len(n.DeviceToken)+2+len(payload)))
	buf.WriteByte(apnsCommandSend)
	_ = binary.Write(buf, binary.BigEndian, identifier)
	_ = binary.Write(buf, binary.BigEndian, expiry)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(n.DeviceToken)))
	buf.Write(n.DeviceToken)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)

	return &Frame{
		NotificationID: n.ID,
		Identifier:     identifier,
		DeviceToken:    n.DeviceToken,
		Body:           buf.Bytes(),
	}, nil
}

// payloadJSON renders the aps dictionary plus custom fields. encoding/json
// sorts map keys, so the output is deterministic for a given payload.
func (c *APNSCodec) payloadJSON(n *push.Notification) ([]byte, error) {
	aps := map[string]any{}
	switch {
	case n.Payload.Title != "":
		aps["alert"] = map[string]string{"title": n.Payload.Title, "body": n.Payload.Body}
	case n.Payload.Body != "":
		aps["alert"] = n.Payload.Body
	}
	if n.Payload.Badge != nil {
		aps["badge"] = *n.Payload.Badge
	}
	if n.Payload.Sound != "" {
		aps["sound"] = n.Payload.Sound
	}

	root := map[string]any{"aps": aps}
	for k, v := range n.Payload.Custom {
		if k == "aps" {
			return nil, fmt.Errorf("%w: custom key %q is reserved by apns", push.ErrUnsupportedField, k)
		}
		root[k] = v
	}
	return json.Marshal(root)
}

// DecodeResponse parses a 6-byte APNs error frame. The gateway sends nothing
// on success, so any bytes read from the connection are either an error frame
// or garbage.
func (c *APNSCodec) DecodeResponse(data []byte) (*Response, error) {
	if len(data) != apnsErrorFrameLen {
		return nil, fmt.Errorf("%w: apns response is %d bytes, want %d",
			push.ErrMalformedFrame, len(data), apnsErrorFrameLen)
	}
	if data[0] != apnsCommandError {
		return nil, fmt.Errorf("%w: apns response command %d, want %d",
			push.ErrMalformedFrame, data[0], apnsCommandError)
	}

	status := data[1]
	identifier := binary.BigEndian.Uint32(data[2:6])

	reason, retryable := apnsReason(status)
	return &Response{
		Err: &DeliveryError{
			Identifier:   identifier,
			Reason:       reason,
			Retryable:    retryable,
			TokenInvalid: status == apnsStatusInvalidToken,
		},
	}, nil
}

// DecodeFeedback parses the feedback service stream: repeated tuples of
// uint32 timestamp, uint16 token length, token. A truncated tail returns the
// tuples decoded so far together with ErrMalformedFrame.
func (c *APNSCodec) DecodeFeedback(data []byte) ([]FeedbackTuple, error) {
	var tuples []FeedbackTuple
	for len(data) > 0 {
		if len(data) < 6 {
			return tuples, fmt.Errorf("%w: truncated apns feedback header", push.ErrMalformedFrame)
		}
		ts := binary.BigEndian.Uint32(data[0:4])
		tokenLen := int(binary.BigEndian.Uint16(data[4:6]))
		data = data[6:]
		if len(data) < tokenLen {
			return tuples, fmt.Errorf("%w: truncated apns feedback token", push.ErrMalformedFrame)
		}
		token := make([]byte, tokenLen)
		copy(token, data[:tokenLen])
		data = data[tokenLen:]

		tuples = append(tuples, FeedbackTuple{
			Timestamp: time.Unix(int64(ts), 0).UTC(),
			Token:     token,
		})
	}
	return tuples, nil
}

// apnsReason maps a status byte to the engine's reason namespace. Status 0
// and 10 are not failures of the identified notification: they mark the last
// frame the gateway processed before closing, and the tracker acks up to that
// identifier instead of failing it.
func apnsReason(status byte) (push.Reason, bool) {
	switch status {
	case apnsStatusOK:
		return push.ReasonNone, false
	case apnsStatusProcessingError:
		return push.ReasonProcessingError, true
	case apnsStatusMissingDeviceToken:
		return push.ReasonMissingDeviceToken, false
	case apnsStatusMissingTopic:
		return push.ReasonMissingTopic, false
	case apnsStatusMissingPayload:
		return push.ReasonMissingPayload, false
	case apnsStatusInvalidTokenSize:
		return push.ReasonInvalidTokenSize, false
	case apnsStatusInvalidTopicSize:
		return push.ReasonInvalidTopicSize, false
	case apnsStatusInvalidPayloadSize:
		return push.ReasonInvalidPayloadSize, false
	case apnsStatusInvalidToken:
		return push.ReasonInvalidToken, false
	case apnsStatusShutdown:
		return push.ReasonVendorShutdown, false
	default:
		return push.ReasonUnknown, false
	}
}
