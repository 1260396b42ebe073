// Package yubikey implements the YubiKey device service: enumeration via
// ykman, PIV slot state, factory-reset/initialisation, and registration of
// already-initialised devices, all serial-scoped per device. The hardware
// is driven through ykman and age-plugin-yubikey as external processes;
// nothing here talks PC/SC directly. Only identity generation runs under
// a PTY via internal/ptydrv; ykman calls (including the PIN, PUK and
// management-key changes) and identity reads run with plain pipes.
package yubikey

import (
	"regexp"

	"github.com/barqly/vault-core/internal/vaulterr"
)

// Slot is one of the three PIV slots this engine dedicates to
// age-plugin-yubikey identities.
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
	Slot3 Slot = 3
)

// ValidSlot reports whether s is one of the three supported slots.
func ValidSlot(s int) bool { return s == 1 || s == 2 || s == 3 }

// TouchPolicy is the device's touch requirement for an identity.
type TouchPolicy string

const (
	TouchNever  TouchPolicy = "Never"
	TouchCached TouchPolicy = "Cached"
	TouchAlways TouchPolicy = "Always"
)

// CachedTouchWindow is the implicit-consent window in seconds that Cached
// grants after one touch.
const CachedTouchWindow = 15

var serialPattern = regexp.MustCompile(`^\d{8}$`)

// ValidateSerial enforces the serial invariant: 8 ASCII decimal digits,
// nothing else.
func ValidateSerial(serial string) error {
	if !serialPattern.MatchString(serial) {
		return vaulterr.New(vaulterr.KindInvalidInput, "serial must be exactly 8 decimal digits", "check the device serial number", true)
	}
	return nil
}

// RedactedSerial exposes only the last 4 digits.
func RedactedSerial(serial string) string {
	if len(serial) != 8 {
		return "…"
	}
	return "…" + serial[4:]
}

// SlotState describes one PIV slot's occupancy on a specific device. Slot
// occupancy is a per-device property: a SlotState is only ever attached to
// the Device it was read from, never shared or inferred across devices.
type SlotState struct {
	Slot     int
	Occupied bool
	// Tag is the age-plugin-yubikey identity tag registered in this slot,
	// if any.
	Tag string
}

// Device is a detected hardware token.
type Device struct {
	Serial     string
	FormFactor string
	Firmware   string
	Interfaces []string
	PIVSlots   map[int]SlotState
}

// SlotOccupied reports d's own occupancy for slot, and only d's: no
// cross-device inference is possible since this method only ever reads
// d.PIVSlots.
func (d Device) SlotOccupied(slot int) bool {
	s, ok := d.PIVSlots[slot]
	return ok && s.Occupied
}
