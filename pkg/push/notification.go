// Package push contains the public domain model and caller-facing contracts
// for the push gateway engine: notifications, delivery outcomes, receipts and
// device feedback.
package push

import (
	"time"

	"github.com/google/uuid"
)

// Vendor identifies the push gateway a notification targets.
type Vendor string

const (
	VendorAPNS Vendor = "apns"
	VendorGCM  Vendor = "gcm"
	VendorBB10 Vendor = "bb10"
)

// Valid reports whether v is one of the supported vendors.
func (v Vendor) Valid() bool {
	switch v {
	case VendorAPNS, VendorGCM, VendorBB10:
		return true
	}
	return false
}

// Environment selects the vendor-side endpoint set a connection targets.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// Priority mirrors the vendor priority semantics. The values follow the APNs
// convention (10 = immediate, 5 = power-friendly); the GCM codec maps them to
// "high"/"normal".
type Priority int

const (
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Payload is the bounded, structured content of a notification. The wire
// codec translates it into the target vendor's schema; fields a vendor cannot
// represent fail the encode with ErrUnsupportedField.
type Payload struct {
	// Title and Body carry the visible alert. BB10 concatenates them into
	// the push content; APNs maps Body to the aps alert string.
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	// Badge is a pointer so an explicit zero ("clear the badge") can be
	// distinguished from an unset value.
	Badge *int   `json:"badge,omitempty"`
	Sound string `json:"sound,omitempty"`
	// Custom fields ride alongside the vendor envelope. Keys must not
	// collide with reserved vendor keys (e.g. "aps" for APNs).
	Custom map[string]string `json:"custom,omitempty"`
}

// Notification is one outbound push request. It is immutable once enqueued;
// retry bookkeeping lives in the engine's delivery records, never here.
type Notification struct {
	ID          uuid.UUID
	DeviceToken []byte
	Vendor      Vendor
	Payload     Payload
	Priority    Priority
	// Expiry is the absolute time after which the vendor should no longer
	// attempt delivery. The engine drops notifications whose expiry has
	// passed before they reach a transport. Zero means no expiry.
	Expiry    time.Time
	CreatedAt time.Time
}

// Expired reports whether the notification's expiry has passed at now.
func (n *Notification) Expired(now time.Time) bool {
	return !n.Expiry.IsZero() && now.After(n.Expiry)
}
