package push

import (
	"encoding/hex"
	"time"
)

// FeedbackEntry reports a device token the vendor says should no longer be
// used: the device uninstalled the app, the token was rejected outright, or
// (GCM) the vendor issued a canonical replacement.
type FeedbackEntry struct {
	DeviceToken   []byte
	Vendor        Vendor
	InvalidatedAt time.Time
	Reason        Reason
	// ReplacementToken is set when the vendor supplied a canonical token
	// that should replace DeviceToken (GCM registration_id results).
	ReplacementToken []byte
}

// FeedbackObserver receives feedback entries. Observers must not block; the
// engine invokes them outside its own locks but on its feedback goroutine.
type FeedbackObserver func(FeedbackEntry)

// TokenKey returns a stable string form of a device token, used as a map,
// cache or document key. Tokens are opaque bytes, so the key is hex rather
// than an assumption about the vendor's token alphabet.
func TokenKey(token []byte) string {
	return hex.EncodeToString(token)
}
