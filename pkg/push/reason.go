package push

// Reason explains a terminal delivery outcome or a feedback entry. Vendor
// status codes are normalised into this one namespace so callers never parse
// raw gateway values.
type Reason string

const (
	ReasonNone Reason = ""

	// Vendor-reported rejections.
	ReasonProcessingError    Reason = "processing_error"
	ReasonMissingDeviceToken Reason = "missing_device_token"
	ReasonMissingTopic       Reason = "missing_topic"
	ReasonMissingPayload     Reason = "missing_payload"
	ReasonInvalidTokenSize   Reason = "invalid_token_size"
	ReasonInvalidTopicSize   Reason = "invalid_topic_size"
	ReasonInvalidPayloadSize Reason = "invalid_payload_size"
	ReasonInvalidToken       Reason = "invalid_token"
	ReasonNotRegistered      Reason = "not_registered"
	ReasonMismatchSender     Reason = "mismatch_sender"
	ReasonMessageTooBig      Reason = "message_too_big"
	ReasonVendorShutdown     Reason = "vendor_shutdown"
	ReasonVendorRejected     Reason = "vendor_rejected"

	// Feedback-only reasons.
	ReasonDeviceUnreachable Reason = "device_unreachable"
	ReasonCanonicalReplaced Reason = "canonical_replaced"

	// Engine-assigned reasons.
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonExpired          Reason = "expired"
	ReasonCancelled        Reason = "cancelled"
	ReasonShutdown         Reason = "shutdown"
	ReasonUnknown          Reason = "unknown"
)

// InvalidatesToken reports whether the reason means the target device token
// is permanently dead and should be removed from any registry.
func (r Reason) InvalidatesToken() bool {
	switch r {
	case ReasonInvalidToken, ReasonNotRegistered, ReasonDeviceUnreachable:
		return true
	}
	return false
}
