package yubikey

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/vaulterr"
)

func TestValidateSerial(t *testing.T) {
	if err := ValidateSerial("15903715"); err != nil {
		t.Fatalf("expected a valid 8-digit serial to pass, got %v", err)
	}
	for _, bad := range []string{"", "1234567", "123456789", "abcdefgh"} {
		if err := ValidateSerial(bad); !vaulterr.Is(err, vaulterr.KindInvalidInput) {
			t.Fatalf("expected InvalidInput for %q, got %v", bad, err)
		}
	}
}

func TestRedactedSerial(t *testing.T) {
	if got := RedactedSerial("15903715"); got != "…3715" {
		t.Fatalf("expected only the last 4 digits, got %q", got)
	}
}

func TestSlotOccupiedIsPerDevice(t *testing.T) {
	d1 := Device{Serial: "15903715", PIVSlots: map[int]SlotState{1: {Slot: 1, Occupied: true}}}
	d2 := Device{Serial: "10420013", PIVSlots: map[int]SlotState{1: {Slot: 1, Occupied: false}}}

	if !d1.SlotOccupied(1) {
		t.Fatal("expected d1 slot 1 to be occupied")
	}
	if d2.SlotOccupied(1) {
		t.Fatal("slot state for d2 must not be inferred from d1")
	}
}

// writeFakeYkman writes a shell script standing in for ykman that
// dispatches on its first argument, so List/Info/InitializeDevice can be
// exercised without a real device attached.
func writeFakeYkman(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell binaries are POSIX-only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ykman")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListParsesSerialsAndDetail(t *testing.T) {
	bin := writeFakeYkman(t, `
case "$1" in
  list) echo "15903715" ;;
  info) cat <<EOF
Device type: YubiKey 5 NFC
Serial number: 15903715
Firmware version: 5.2.7
Form factor: Keychain (USB-A)
Enabled USB interfaces: OTP, FIDO, CCID
EOF
  ;;
  piv) cat <<EOF
PIV version: 5.2.7
Slot 1: occupied
Slot 2: empty
Slot 3: empty
EOF
  ;;
esac
`)
	svc := New(Binaries{YkmanBin: bin}, nil, nil, log.Discard())
	devices, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.Serial != "15903715" || d.Firmware != "5.2.7" || d.FormFactor != "Keychain (USB-A)" {
		t.Fatalf("unexpected device detail: %+v", d)
	}
	if !d.SlotOccupied(1) || d.SlotOccupied(2) {
		t.Fatalf("unexpected slot occupancy: %+v", d.PIVSlots)
	}
}

func TestRegisterDeviceRejectsEmptySlot(t *testing.T) {
	bin := writeFakeYkman(t, `
case "$1" in
  info) cat <<EOF
Firmware version: 5.2.7
Form factor: Keychain (USB-A)
EOF
  ;;
  piv) cat <<EOF
Slot 1: empty
Slot 2: empty
Slot 3: empty
EOF
  ;;
esac
`)
	reg := registry.New(platform.New(t.TempDir()), log.Discard())
	svc := New(Binaries{YkmanBin: bin}, reg, nil, log.Discard())
	_, err := svc.RegisterDevice(context.Background(), "15903715", 1, "key-1", func() time.Time { return time.Time{} })
	if err == nil {
		t.Fatal("expected an error registering an empty slot")
	}
}
