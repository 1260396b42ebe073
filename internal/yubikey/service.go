package yubikey

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/obs/redact"
	"github.com/barqly/vault-core/internal/ptydrv"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// Binaries resolves the external tool paths this service invokes.
type Binaries struct {
	YkmanBin            string
	AgePluginYubikeyBin string
}

// OuterTimeout bounds an entire device operation.
const OuterTimeout = 10 * time.Minute

// Service drives ykman and age-plugin-yubikey to enumerate, initialise,
// and register YubiKey devices, and registers resulting identities into
// the Device Registry.
type Service struct {
	bins     Binaries
	reg      *registry.Registry
	redactor *redact.Registry
	logger   log.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted // one live invocation per serial
}

// New creates a Service. reg is the Device Registry that initialise/
// register workflows write their resulting identity into; redactor is the
// process's secret-scrubbing registry — PINs and PUKs handed to this
// service are registered with it before they reach a subprocess argv,
// error message, or PTY echo.
func New(bins Binaries, reg *registry.Registry, redactor *redact.Registry, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Discard()
	}
	return &Service{bins: bins, reg: reg, redactor: redactor, logger: logger, sems: make(map[string]*semaphore.Weighted)}
}

func (s *Service) serialSem(serial string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[serial]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.sems[serial] = sem
	}
	return sem
}

// withSerialLock enforces one live invocation per serial at a time for
// everything this service does against one device.
func (s *Service) withSerialLock(serial string, fn func() error) error {
	sem := s.serialSem(serial)
	if !sem.TryAcquire(1) {
		return vaulterr.New(vaulterr.KindDeviceBusy, "another operation is already running against this device", "wait for the other operation to finish", true).WithDetails(RedactedSerial(serial))
	}
	defer sem.Release(1)
	return fn()
}

var serialListLine = regexp.MustCompile(`^\d{8}$`)

// List enumerates connected devices: `ykman list
// --serials` for the serial set, then a serial-scoped `ykman info
// --serial S` per device for form factor, firmware, interfaces, and slot
// occupancy.
func (s *Service) List(ctx context.Context) ([]Device, error) {
	out, err := s.run(ctx, s.bins.YkmanBin, []string{"list", "--serials"})
	if err != nil {
		return nil, err
	}

	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if serialListLine.MatchString(line) {
			serials = append(serials, line)
		}
	}

	// Each Info call is serial-scoped and holds only its own device's
	// semaphore, so distinct devices are read concurrently.
	devices := make([]Device, len(serials))
	g, gctx := errgroup.WithContext(ctx)
	for i, serial := range serials {
		g.Go(func() error {
			d, ierr := s.Info(gctx, serial)
			if ierr != nil {
				return ierr
			}
			devices[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devices, nil
}

var (
	formFactorRe = regexp.MustCompile(`(?i)form factor:\s*(.+)`)
	firmwareRe   = regexp.MustCompile(`(?i)firmware version:\s*(.+)`)
	interfaceRe  = regexp.MustCompile(`(?i)enabled (usb|nfc) interfaces:\s*(.+)`)
	pivSlotRe    = regexp.MustCompile(`(?i)slot\s+(\d+):\s*(empty|occupied)(?:\s+tag=(\S+))?`)
)

// Info reads a single device's detail via `ykman info --serial S` and
// `ykman piv info --serial S`, both serial-scoped.
func (s *Service) Info(ctx context.Context, serial string) (Device, error) {
	if err := ValidateSerial(serial); err != nil {
		return Device{}, err
	}

	d := Device{Serial: serial, PIVSlots: map[int]SlotState{1: {Slot: 1}, 2: {Slot: 2}, 3: {Slot: 3}}}

	err := s.withSerialLock(serial, func() error {
		info, ierr := s.run(ctx, s.bins.YkmanBin, []string{"info", "--serial", serial})
		if ierr != nil {
			return ierr
		}
		scanner := bufio.NewScanner(strings.NewReader(info))
		for scanner.Scan() {
			line := scanner.Text()
			if m := formFactorRe.FindStringSubmatch(line); m != nil {
				d.FormFactor = strings.TrimSpace(m[1])
			}
			if m := firmwareRe.FindStringSubmatch(line); m != nil {
				d.Firmware = strings.TrimSpace(m[1])
			}
			if m := interfaceRe.FindStringSubmatch(line); m != nil {
				d.Interfaces = append(d.Interfaces, strings.TrimSpace(m[2]))
			}
		}

		piv, perr := s.run(ctx, s.bins.YkmanBin, []string{"piv", "info", "--serial", serial})
		if perr != nil {
			return perr
		}
		pscanner := bufio.NewScanner(strings.NewReader(piv))
		for pscanner.Scan() {
			if m := pivSlotRe.FindStringSubmatch(pscanner.Text()); m != nil {
				slotNum := atoiSlot(m[1])
				if !ValidSlot(slotNum) {
					continue
				}
				d.PIVSlots[slotNum] = SlotState{Slot: slotNum, Occupied: strings.EqualFold(m[2], "occupied"), Tag: m[3]}
			}
		}
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

// contextWithTimeout bounds an entire device operation, independent of
// the per-prompt 120s timeout ptydrv
// enforces on individual reads.
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func atoiSlot(s string) int {
	switch s {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	default:
		return 0
	}
}

func (s *Service) run(ctx context.Context, bin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", vaulterr.Wrap(vaulterr.KindPluginIO, fmt.Sprintf("%s %s failed", bin, strings.Join(args, " ")), "check the device connection", true, err).WithDetails(stderr.String())
	}
	return stdout.String(), nil
}

// InitResult is the outcome of InitializeDevice.
type InitResult struct {
	KeyID       string
	IdentityTag string
	Recipient   string
}

// InitializeDevice runs the factory-state initialisation workflow: set
// PIN/PUK/management key if the device is still at factory defaults,
// generate an age-plugin-yubikey identity in slot, and register it into
// the device registry as Active.
//
// The new entry is registered in PreActivation *before* the generate step
// and promoted to Active only once the plugin call succeeds, so a
// mid-workflow failure leaves a PreActivation entry for (serial, slot) in
// the registry. A retry does not pick that entry up again: it calls Add
// once more, which refuses a keyID that is already registered, and a new
// keyID adds a second entry for the same (serial, slot).
func (s *Service) InitializeDevice(ctx context.Context, serial string, newPin, newPuk *secret.Pin, slot int, touch TouchPolicy, keyID string, now func() time.Time) (InitResult, error) {
	if err := ValidateSerial(serial); err != nil {
		return InitResult{}, err
	}
	if !ValidSlot(slot) {
		return InitResult{}, vaulterr.New(vaulterr.KindInvalidInput, "slot must be 1, 2, or 3", "", true)
	}
	// ykman's change-pin/change-puk argv embeds both values, and a failed
	// invocation echoes its argv into the error details, so they must be
	// registered for scrubbing before the first subprocess runs.
	s.redactor.Track(newPin.Reveal())
	s.redactor.Track(newPuk.Reveal())

	device, err := s.Info(ctx, serial)
	if err != nil {
		return InitResult{}, err
	}
	if device.SlotOccupied(slot) {
		return InitResult{}, vaulterr.New(vaulterr.KindSlotOccupied, "the requested PIV slot is already occupied", "choose a different slot or reset the device", true).WithDetails(RedactedSerial(serial))
	}

	ctx, cancel := contextWithTimeout(ctx, OuterTimeout)
	defer cancel()

	var result InitResult
	err = s.withSerialLock(serial, func() error {
		if err := s.reg.Add(registry.Entry{
			KeyID:     keyID,
			Kind:      registry.KindYubiKey,
			Label:     fmt.Sprintf("yubikey-%s-slot%d", RedactedSerial(serial), slot),
			CreatedAt: now(),
			Status:    registry.StatusPreActivation,
			YubiKey:   &registry.YubiKeyMeta{Serial: serial, Slot: slot},
		}); err != nil {
			return err
		}

		if err := s.setFactoryCredentials(ctx, serial, newPin, newPuk); err != nil {
			return err
		}

		tag, recipient, err := s.generateIdentity(ctx, serial, slot, touch)
		if err != nil {
			return err
		}

		if err := s.reg.SetPublicRecipient(keyID, recipient); err != nil {
			return err
		}
		if err := s.reg.UpdateStatus(keyID, registry.StatusActive, "yubikey identity generated", "system", now()); err != nil {
			return err
		}
		result = InitResult{KeyID: keyID, IdentityTag: tag, Recipient: recipient}
		return nil
	})
	if err != nil {
		// A mid-workflow failure (including a device timeout) leaves the
		// PreActivation entry behind; an explicit cancellation rolls it
		// back entirely.
		if context.Cause(ctx) == context.Canceled {
			_ = s.reg.Remove(keyID)
		}
		return InitResult{}, err
	}
	return result, nil
}

// setFactoryCredentials changes PIN, PUK, and management key away from
// their PIV factory defaults. It is a no-op once the
// device is no longer at factory defaults (ykman itself reports failure
// changing from a non-default value, which this treats as already-done
// rather than fatal, since InitializeDevice must be resumable).
func (s *Service) setFactoryCredentials(ctx context.Context, serial string, newPin, newPuk *secret.Pin) error {
	const factoryPin = "123456"
	const factoryPuk = "12345678"

	if _, err := s.run(ctx, s.bins.YkmanBin, []string{"piv", "access", "change-pin", "--serial", serial, "--pin", factoryPin, "--new-pin", newPin.Reveal()}); err != nil {
		if !isAlreadyChanged(err) {
			return vaulterr.WithContext(mapPinError(err), "set PIN")
		}
	}
	if _, err := s.run(ctx, s.bins.YkmanBin, []string{"piv", "access", "change-puk", "--serial", serial, "--puk", factoryPuk, "--new-puk", newPuk.Reveal()}); err != nil {
		if !isAlreadyChanged(err) {
			return vaulterr.WithContext(err, "set PUK")
		}
	}
	if _, err := s.run(ctx, s.bins.YkmanBin, []string{"piv", "access", "change-management-key", "--serial", serial, "--generate", "--protect"}); err != nil {
		if !isAlreadyChanged(err) {
			return vaulterr.WithContext(err, "set management key")
		}
	}
	return nil
}

func isAlreadyChanged(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already")
}

func mapPinError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "blocked") {
		return vaulterr.Wrap(vaulterr.KindPinBlocked, "PIN is blocked after too many attempts", "reset the device PIN with the PUK", true, err)
	}
	if strings.Contains(msg, "wrong pin") || strings.Contains(msg, "incorrect pin") {
		return vaulterr.Wrap(vaulterr.KindWrongPin, "incorrect PIN", "check the PIN and try again", true, err)
	}
	return err
}

// generateIdentity runs `age-plugin-yubikey --generate --serial S --slot N
// --touch-policy <policy>` under a PTY, since the plugin may prompt for a
// touch mid-generation.
func (s *Service) generateIdentity(ctx context.Context, serial string, slot int, touch TouchPolicy) (tag, recipient string, err error) {
	args := []string{"--generate", "--serial", serial, "--slot", fmt.Sprintf("%d", slot), "--touch-policy", strings.ToLower(string(touch))}
	sess, err := ptydrv.Spawn(ctx, s.logger, s.bins.AgePluginYubikeyBin, args, serial, true)
	if err != nil {
		return "", "", err
	}

	var lines []string
	for {
		p, perr := sess.Next(ctx)
		if perr == io.EOF {
			break
		}
		if perr != nil {
			sess.Kill()
			return "", "", perr
		}
		switch p.Kind {
		case ptydrv.PromptTouch:
			// Advisory only; no write back to the subprocess.
		case ptydrv.PromptLine:
			lines = append(lines, p.Text)
		}
	}
	if werr := sess.Wait(); werr != nil {
		return "", "", vaulterr.Wrap(vaulterr.KindPluginIO, "age-plugin-yubikey generate failed", "check the device connection and touch policy", true, werr)
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(line), "AGE-PLUGIN-YUBIKEY-") {
			tag = line
		}
		if strings.HasPrefix(line, "age1yubikey1") {
			recipient = line
		}
	}
	if tag == "" || recipient == "" {
		return "", "", vaulterr.New(vaulterr.KindPluginIO, "age-plugin-yubikey did not return an identity and recipient", "", false)
	}
	return tag, recipient, nil
}

// readIdentity queries age-plugin-yubikey for the identity stub and
// recipient already provisioned in slot, without generating anything new.
// Callers must already hold the serial lock.
func (s *Service) readIdentity(ctx context.Context, serial string, slot int) (tag, recipient string, err error) {
	out, rerr := s.run(ctx, s.bins.AgePluginYubikeyBin, []string{"--identity", "--serial", serial, "--slot", fmt.Sprintf("%d", slot)})
	if rerr != nil {
		return "", "", rerr
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.ToUpper(line), "AGE-PLUGIN-YUBIKEY-") {
			tag = line
		}
		if strings.HasPrefix(line, "age1yubikey1") {
			recipient = line
		}
	}
	if tag == "" || recipient == "" {
		return "", "", vaulterr.New(vaulterr.KindPluginIO, "could not read an identity from the requested slot", "", false)
	}
	return tag, recipient, nil
}

// Identity resolves the non-secret identity stub for an already-registered
// (serial, slot) pair, for handing to ageio.Decrypt's PTY path. The
// private key itself never leaves the device; this only re-derives the
// public stub age-plugin-yubikey needs to address it.
func (s *Service) Identity(ctx context.Context, serial string, slot int) (string, error) {
	if err := ValidateSerial(serial); err != nil {
		return "", err
	}
	if !ValidSlot(slot) {
		return "", vaulterr.New(vaulterr.KindInvalidInput, "slot must be 1, 2, or 3", "", true)
	}

	var tag string
	err := s.withSerialLock(serial, func() error {
		t, _, rerr := s.readIdentity(ctx, serial, slot)
		if rerr != nil {
			return rerr
		}
		tag = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

// RegisterDevice registers an already-initialised slot: it detects an
// existing identity, verifies it
// by querying its recipient, and adds it to the registry without changing
// device state.
func (s *Service) RegisterDevice(ctx context.Context, serial string, slot int, keyID string, now func() time.Time) (InitResult, error) {
	if err := ValidateSerial(serial); err != nil {
		return InitResult{}, err
	}
	if !ValidSlot(slot) {
		return InitResult{}, vaulterr.New(vaulterr.KindInvalidInput, "slot must be 1, 2, or 3", "", true)
	}

	device, err := s.Info(ctx, serial)
	if err != nil {
		return InitResult{}, err
	}
	if !device.SlotOccupied(slot) {
		return InitResult{}, vaulterr.New(vaulterr.KindDeviceNotPresent, "no identity found in the requested slot", "initialise the device first", true).WithDetails(RedactedSerial(serial))
	}

	var result InitResult
	err = s.withSerialLock(serial, func() error {
		tag, recipient, rerr := s.readIdentity(ctx, serial, slot)
		if rerr != nil {
			return rerr
		}

		if err := s.reg.Add(registry.Entry{
			KeyID:           keyID,
			Kind:            registry.KindYubiKey,
			Label:           fmt.Sprintf("yubikey-%s-slot%d", RedactedSerial(serial), slot),
			CreatedAt:       now(),
			Status:          registry.StatusActive,
			PublicRecipient: recipient,
			YubiKey:         &registry.YubiKeyMeta{Serial: serial, Slot: slot},
		}); err != nil {
			return err
		}
		result = InitResult{KeyID: keyID, IdentityTag: tag, Recipient: recipient}
		return nil
	})
	if err != nil {
		return InitResult{}, err
	}
	return result, nil
}
