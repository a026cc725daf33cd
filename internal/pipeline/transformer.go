// Package pipeline contains the message processing components between the
// ingestion bus and the dispatch engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// PushRequest is one validated ingestion-bus message. It targets either a
// recipient URN (fanned out to that user's registered devices) or one
// explicit device token; never both.
type PushRequest struct {
	// Recipient is the fan-out target. Zero when DeviceToken is set.
	Recipient urn.URN
	// Vendor narrows a fan-out to one vendor's devices; for an explicit
	// DeviceToken it names the vendor the token belongs to.
	Vendor push.Vendor
	// DeviceToken is the explicit single-device target, already decoded
	// from its vendor text form.
	DeviceToken []byte

	Payload  push.Payload
	Priority push.Priority
	Expiry   time.Time
}

// pushRequestJSON mirrors the raw bus payload.
type pushRequestJSON struct {
	RecipientID string       `json:"recipient_id,omitempty"`
	Vendor      string       `json:"vendor,omitempty"`
	DeviceToken string       `json:"device_token,omitempty"`
	Payload     push.Payload `json:"payload"`
	Priority    int          `json:"priority,omitempty"`
	Expiry      time.Time    `json:"expiry,omitempty"`
}

// UnmarshalJSON parses and validates in one step, so a malformed request is
// indistinguishable from malformed JSON to the transformer: both are
// poison, neither should be retried.
func (r *PushRequest) UnmarshalJSON(data []byte) error {
	var raw pushRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.RecipientID == "" && raw.DeviceToken == "" {
		return fmt.Errorf("a recipient_id or a device_token is required")
	}
	if raw.RecipientID != "" && raw.DeviceToken != "" {
		return fmt.Errorf("recipient_id and device_token are mutually exclusive")
	}

	if raw.Vendor != "" && !push.Vendor(raw.Vendor).Valid() {
		return fmt.Errorf("%w: %q", push.ErrUnknownVendor, raw.Vendor)
	}
	r.Vendor = push.Vendor(raw.Vendor)

	if raw.RecipientID != "" {
		recipient, err := urn.Parse(raw.RecipientID)
		if err != nil {
			return fmt.Errorf("invalid recipient_id: %w", err)
		}
		r.Recipient = recipient
	} else {
		if r.Vendor == "" {
			return fmt.Errorf("device_token requires a vendor")
		}
		token, err := push.DecodeToken(r.Vendor, raw.DeviceToken)
		if err != nil {
			return err
		}
		r.DeviceToken = token
	}

	if raw.Payload.Title == "" && raw.Payload.Body == "" && raw.Payload.Badge == nil &&
		raw.Payload.Sound == "" && len(raw.Payload.Custom) == 0 {
		return fmt.Errorf("empty payload")
	}
	r.Payload = raw.Payload

	r.Priority = push.Priority(raw.Priority)
	if r.Priority == 0 {
		r.Priority = push.PriorityHigh
	}
	r.Expiry = raw.Expiry
	return nil
}

// PushRequestTransformer is a dataflow Transformer that safely unmarshals
// and validates a raw message payload into a structured PushRequest.
//
// It uses standard encoding/json, relying on PushRequest's UnmarshalJSON to
// handle target resolution, vendor checks and token text decoding internally.
func PushRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushRequest, bool, error) {
	var req PushRequest

	// This single call performs:
	// 1. JSON Parsing
	// 2. Target validation (recipient URN or vendor+token, never both)
	// 3. Token text decoding (base64 for APNs, verbatim otherwise)
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// If any step fails we return an error and set skip=true so the
		// StreamingService can handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal push request from message %s: %w", msg.ID, err)
	}

	// On success, we pass the structured request to the next stage.
	return &req, false, nil
}
