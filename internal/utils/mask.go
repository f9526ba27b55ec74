package utils

import "strings"

const secretMask = "********"

// MaskSecret hides a credential for display. Unset values stay empty so a missing secret
// is still visible as missing.
func MaskSecret(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return secretMask
}
