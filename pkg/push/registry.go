package push

import (
	"context"
	"time"
)

// Device is one registered push target belonging to a user.
type Device struct {
	Vendor    Vendor    `json:"vendor"`
	Token     []byte    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenRegistry is the device-token store contract: it remembers which
// devices belong to a user so the ingestion pipeline can fan a recipient id
// out to concrete tokens, and forgets tokens the vendors report dead.
type TokenRegistry interface {
	// Register adds or refreshes a device for the user. Registering the
	// same token twice is an upsert, not an error.
	Register(ctx context.Context, userID string, vendor Vendor, token []byte) error
	// Unregister removes one device for the user. Removing a token that
	// was never registered is a no-op.
	Unregister(ctx context.Context, userID string, vendor Vendor, token []byte) error
	// Devices lists the user's registered devices.
	Devices(ctx context.Context, userID string) ([]Device, error)
	// RemoveToken deletes a token wherever it is registered and reports
	// how many registrations it removed. Feedback self-healing uses this:
	// vendors report dead tokens without telling us who owns them.
	RemoveToken(ctx context.Context, vendor Vendor, token []byte) (int, error)
}

// Suppressor remembers tokens the vendors have declared dead so the pipeline
// can stop sending to them before the engine wastes a delivery attempt.
type Suppressor interface {
	Suppress(ctx context.Context, entry FeedbackEntry) error
	IsSuppressed(ctx context.Context, vendor Vendor, token []byte) (bool, error)
	// Lift clears a suppression, typically because the device re-registered
	// the token and it is live again.
	Lift(ctx context.Context, vendor Vendor, token []byte) error
}
