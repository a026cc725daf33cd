package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// BB10MaxPayload is the limit on the message content part of a PAP request.
const BB10MaxPayload = 8192

// BB10Boundary separates the parts of the multipart/related request body.
// The push service does not require a random boundary, so a fixed one keeps
// request construction deterministic.
const BB10Boundary = "boundary-marker"

// bb10DeliverWindow is how long a notification without an explicit expiry
// stays deliverable before the push service drops it.
const bb10DeliverWindow = 2 * time.Hour

const bb10TimestampFormat = "2006-01-02T15:04:05Z"

// BB10Codec implements Codec for the BlackBerry 10 Push Access Protocol
// (PAP 2.1). A frame body is the multipart/related document: a PAP control
// XML part followed by the message content part.
type BB10Codec struct {
	appID string
	now   func() time.Time
}

// NewBB10Codec returns a codec whose PAP documents name appID as their
// source-reference.
func NewBB10Codec(appID string) *BB10Codec {
	return &BB10Codec{appID: appID, now: time.Now}
}

func (c *BB10Codec) Vendor() push.Vendor { return push.VendorBB10 }

func (c *BB10Codec) MaxPayload() int { return BB10MaxPayload }

// Encode builds the PAP multipart body. The push service has no notion of
// badge, sound or structured data, so those payload fields are rejected
// rather than silently dropped.
func (c *BB10Codec) Encode(n *push.Notification, identifier uint32) (*Frame, error) {
	if n.Payload.Badge != nil {
		return nil, fmt.Errorf("%w: bb10 has no badge field", push.ErrUnsupportedField)
	}
	if n.Payload.Sound != "" {
		return nil, fmt.Errorf("%w: bb10 has no sound field", push.ErrUnsupportedField)
	}
	if len(n.Payload.Custom) > 0 {
		return nil, fmt.Errorf("%w: bb10 has no custom data fields", push.ErrUnsupportedField)
	}

	content := n.Payload.Body
	if n.Payload.Title != "" {
		content = n.Payload.Title + "\n" + n.Payload.Body
	}
	if len(content) > BB10MaxPayload {
		return nil, fmt.Errorf("%w: bb10 payload is %d bytes, limit %d",
			push.ErrPayloadTooLarge, len(content), BB10MaxPayload)
	}

	deliverBefore := n.Expiry
	if deliverBefore.IsZero() {
		deliverBefore = c.now().Add(bb10DeliverWindow)
	}

	var control bytes.Buffer
	control.WriteString(`<?xml version="1.0"?>` + "\n")
	control.WriteString(`<!DOCTYPE pap PUBLIC "-//WAPFORUM//DTD PAP 2.1//EN" "http://www.openmobilealliance.org/tech/DTD/pap_2.1.dtd">` + "\n")
	control.WriteString("<pap>\n")
	fmt.Fprintf(&control, "  <push-message push-id=%q source-reference=%q deliver-before-timestamp=%q>\n",
		n.ID.String(), c.appID, deliverBefore.UTC().Format(bb10TimestampFormat))
	fmt.Fprintf(&control, "    <address address-value=%q/>\n", xmlEscape(string(n.DeviceToken)))
	control.WriteString(`    <quality-of-service delivery-method="confirmed"/>` + "\n")
	control.WriteString("  </push-message>\n")
	control.WriteString("</pap>\n")

	var body bytes.Buffer
	body.WriteString("--" + BB10Boundary + "\r\n")
	body.WriteString("Content-Type: application/xml\r\n\r\n")
	body.Write(control.Bytes())
	body.WriteString("\r\n--" + BB10Boundary + "\r\n")
	body.WriteString("Content-Encoding: binary\r\n")
	body.WriteString("Content-Type: text/plain\r\n\r\n")
	body.WriteString(content)
	body.WriteString("\r\n--" + BB10Boundary + "--\r\n")

	return &Frame{
		NotificationID: n.ID,
		Identifier:     identifier,
		DeviceToken:    n.DeviceToken,
		Body:           body.Bytes(),
	}, nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

type papResult struct {
	Code string `xml:"code,attr"`
	Desc string `xml:"desc,attr"`
}

type papResponse struct {
	XMLName      xml.Name `xml:"pap"`
	PushResponse *struct {
		PushID string    `xml:"push-id,attr"`
		Result papResult `xml:"response-result"`
	} `xml:"push-response"`
	BadMessage *papResult `xml:"badmessage-response"`
}

// DecodeResponse parses the PAP response document. Result code families:
// 1xxx accepted, 2xxx request rejected, 3xxx server trouble (worth a retry),
// 4xxx the address is dead.
func (c *BB10Codec) DecodeResponse(data []byte) (*Response, error) {
	var resp papResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: pap response: %v", push.ErrMalformedFrame, err)
	}

	var result papResult
	switch {
	case resp.PushResponse != nil:
		result = resp.PushResponse.Result
	case resp.BadMessage != nil:
		result = *resp.BadMessage
	default:
		return nil, fmt.Errorf("%w: pap response has no result element", push.ErrMalformedFrame)
	}

	if result.Code == "1000" || result.Code == "1001" {
		return &Response{Ack: true}, nil
	}

	reason, retryable, tokenInvalid := bb10Reason(result.Code)
	return &Response{
		Err: &DeliveryError{
			Reason:       reason,
			Retryable:    retryable,
			TokenInvalid: tokenInvalid,
		},
	}, nil
}

func bb10Reason(code string) (reason push.Reason, retryable, tokenInvalid bool) {
	switch {
	case code == "2002":
		// Address error: the PIN or token is not routable.
		return push.ReasonInvalidToken, false, true
	case strings.HasPrefix(code, "2"):
		return push.ReasonVendorRejected, false, false
	case strings.HasPrefix(code, "3"):
		return push.ReasonProcessingError, true, false
	case strings.HasPrefix(code, "4"):
		return push.ReasonDeviceUnreachable, false, true
	default:
		return push.ReasonUnknown, false, false
	}
}
