package platform

import (
	"strings"

	"github.com/barqly/vault-core/internal/vaulterr"
)

const maxLabelBytes = 64

// Labels are restricted to a whitelist: letters, digits, space,
// dash, underscore, and dot (but never a leading/trailing dot or `..`).
func isLabelChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == ' ':
		return true
	default:
		return false
	}
}

// ValidateLabel enforces the key-label whitelist: no path separators, no
// `..`, no empty label, no label over 64 bytes, and no character outside
// the whitelist.
func ValidateLabel(label string) error {
	if label == "" {
		return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label must not be empty", "choose a non-empty label", true)
	}
	if len(label) > maxLabelBytes {
		return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label exceeds 64 bytes", "shorten the label", true)
	}
	if strings.Contains(label, "..") {
		return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label must not contain '..'", "remove '..' from the label", true)
	}
	if strings.HasPrefix(label, ".") || strings.HasSuffix(label, ".") {
		return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label must not start or end with '.'", "remove the leading or trailing '.'", true)
	}
	if strings.ContainsAny(label, "/\\") {
		return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label must not contain path separators", "remove '/' or '\\' from the label", true)
	}
	for _, r := range label {
		if !isLabelChar(r) {
			return vaulterr.New(vaulterr.KindInvalidKeyLabel, "label contains an unsupported character", "use letters, digits, space, '-', '_' or '.'", true).WithDetails(string(r))
		}
	}
	return nil
}
