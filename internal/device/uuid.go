package device

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb)
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix and surrounding braces. For full 128-bit UUIDs in Bluetooth SIG
// base format, extracts the 16-bit short form. Returns "" for malformed input.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	switch len(s) {
	case 4:
		return s
	case 8:
		if strings.HasPrefix(s, "0000") {
			return s[4:]
		}
		return s
	case 32:
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	default:
		return ""
	}
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// ExpandUUID returns the dashed 128-bit form of a UUID, expanding 16-bit
// short forms onto the Bluetooth SIG base.
func ExpandUUID(uuid string) (string, error) {
	n := NormalizeUUID(uuid)
	switch len(n) {
	case 4:
		n = "0000" + n + sigBaseSuffix
	case 8:
		n = n + sigBaseSuffix
	case 32:
	default:
		return "", fmt.Errorf("invalid UUID format: %q", uuid)
	}
	return n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32], nil
}

// SameUUID reports whether two UUID strings denote the same identifier
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
