package push

import (
	"encoding/base64"
	"fmt"
)

// DecodeToken converts a device token's text form into its opaque byte form.
// The text encoding is a vendor convention, not ours: APNs tokens arrive
// base64-encoded (they are 32 raw bytes), while GCM registration ids and
// BB10 PINs are already printable strings and pass through verbatim.
func DecodeToken(vendor Vendor, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyDeviceToken
	}
	switch vendor {
	case VendorAPNS:
		token, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("push: decode apns token: %w", err)
		}
		if len(token) == 0 {
			return nil, ErrEmptyDeviceToken
		}
		return token, nil
	case VendorGCM, VendorBB10:
		return []byte(text), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, vendor)
}
