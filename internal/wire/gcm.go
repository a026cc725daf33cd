package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// GCMMaxPayload is the limit on the notification plus data portion of a
// request, per the legacy HTTP API.
const GCMMaxPayload = 4096

// GCM downstream error strings, verbatim from the legacy API.
const (
	gcmErrMissingRegistration  = "MissingRegistration"
	gcmErrInvalidRegistration  = "InvalidRegistration"
	gcmErrNotRegistered        = "NotRegistered"
	gcmErrMessageTooBig        = "MessageTooBig"
	gcmErrInvalidDataKey       = "InvalidDataKey"
	gcmErrInvalidTTL           = "InvalidTtl"
	gcmErrUnavailable          = "Unavailable"
	gcmErrInternalServerError  = "InternalServerError"
	gcmErrMismatchSenderID     = "MismatchSenderId"
	gcmErrInvalidPackageName   = "InvalidPackageName"
	gcmErrDeviceMessageRate    = "DeviceMessageRateExceeded"
	gcmErrTopicsMessageRate    = "TopicsMessageRateExceeded"
)

type gcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Sound string `json:"sound,omitempty"`
	Badge string `json:"badge,omitempty"`
}

type gcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    *gcmNotification  `json:"notification,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
	TimeToLive      *int64            `json:"time_to_live,omitempty"`
	Priority        string            `json:"priority,omitempty"`
}

type gcmResult struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

type gcmResponse struct {
	MulticastID  int64       `json:"multicast_id"`
	Success      int         `json:"success"`
	Failure      int         `json:"failure"`
	CanonicalIDs int         `json:"canonical_ids"`
	Results      []gcmResult `json:"results"`
}

// GCMCodec implements Codec for the GCM legacy HTTP JSON API. A frame body is
// the request JSON for a single registration id; the response body carries a
// one-element results array.
type GCMCodec struct{}

func NewGCMCodec() *GCMCodec {
	return &GCMCodec{}
}

func (c *GCMCodec) Vendor() push.Vendor { return push.VendorGCM }

func (c *GCMCodec) MaxPayload() int { return GCMMaxPayload }

// Encode builds the request JSON. The identifier is carried in the frame only;
// GCM correlates by HTTP request, not by an in-band id.
func (c *GCMCodec) Encode(n *push.Notification, identifier uint32) (*Frame, error) {
	req := gcmRequest{
		RegistrationIDs: []string{string(n.DeviceToken)},
	}

	if n.Payload.Title != "" || n.Payload.Body != "" || n.Payload.Sound != "" || n.Payload.Badge != nil {
		note := &gcmNotification{
			Title: n.Payload.Title,
			Body:  n.Payload.Body,
			Sound: n.Payload.Sound,
		}
		if n.Payload.Badge != nil {
			note.Badge = strconv.Itoa(*n.Payload.Badge)
		}
		req.Notification = note
	}

	if len(n.Payload.Custom) > 0 {
		data := make(map[string]string, len(n.Payload.Custom))
		for k, v := range n.Payload.Custom {
			if err := checkGCMDataKey(k); err != nil {
				return nil, err
			}
			data[k] = v
		}
		req.Data = data
	}

	if !n.Expiry.IsZero() {
		ttl := int64(time.Until(n.Expiry) / time.Second)
		if ttl < 0 {
			ttl = 0
		}
		req.TimeToLive = &ttl
	}

	if n.Priority == push.PriorityHigh {
		req.Priority = "high"
	}

	if size := gcmPayloadSize(&req); size > GCMMaxPayload {
		return nil, fmt.Errorf("%w: gcm payload is %d bytes, limit %d",
			push.ErrPayloadTooLarge, size, GCMMaxPayload)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gcm request: %w", err)
	}
	return &Frame{
		NotificationID: n.ID,
		Identifier:     identifier,
		DeviceToken:    n.DeviceToken,
		Body:           body,
	}, nil
}

func checkGCMDataKey(k string) error {
	if k == "from" || k == "notification" || strings.HasPrefix(k, "google.") {
		return fmt.Errorf("%w: data key %q is reserved by gcm", push.ErrUnsupportedField, k)
	}
	return nil
}

// gcmPayloadSize measures the notification and data portions, which is what
// the documented 4KB limit applies to.
func gcmPayloadSize(req *gcmRequest) int {
	size := 0
	if req.Notification != nil {
		b, _ := json.Marshal(req.Notification)
		size += len(b)
	}
	if req.Data != nil {
		b, _ := json.Marshal(req.Data)
		size += len(b)
	}
	return size
}

// DecodeResponse parses a 200-status response body. Transport-level failures
// (auth, 5xx) never reach here; they surface as connection events instead.
func (c *GCMCodec) DecodeResponse(data []byte) (*Response, error) {
	var resp gcmResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: gcm response: %v", push.ErrMalformedFrame, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("%w: gcm response has no results", push.ErrMalformedFrame)
	}

	result := resp.Results[0]
	if result.Error != "" {
		reason, retryable, tokenInvalid := gcmReason(result.Error)
		return &Response{
			Err: &DeliveryError{
				Reason:       reason,
				Retryable:    retryable,
				TokenInvalid: tokenInvalid,
			},
		}, nil
	}

	out := &Response{Ack: true}
	if result.RegistrationID != "" {
		out.Canonical = []byte(result.RegistrationID)
	}
	return out, nil
}

func gcmReason(errStr string) (reason push.Reason, retryable, tokenInvalid bool) {
	switch errStr {
	case gcmErrMissingRegistration:
		return push.ReasonMissingDeviceToken, false, false
	case gcmErrInvalidRegistration:
		return push.ReasonInvalidToken, false, true
	case gcmErrNotRegistered:
		return push.ReasonNotRegistered, false, true
	case gcmErrMessageTooBig:
		return push.ReasonMessageTooBig, false, false
	case gcmErrInvalidDataKey, gcmErrInvalidTTL, gcmErrInvalidPackageName:
		return push.ReasonVendorRejected, false, false
	case gcmErrUnavailable, gcmErrInternalServerError:
		return push.ReasonProcessingError, true, false
	case gcmErrMismatchSenderID:
		return push.ReasonMismatchSender, false, false
	case gcmErrDeviceMessageRate, gcmErrTopicsMessageRate:
		return push.ReasonVendorRejected, true, false
	default:
		return push.ReasonUnknown, false, false
	}
}
