package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/barqly/vault-core/internal/vaulterr"
	"github.com/barqly/vault-core/internal/yubikey"
)

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "Enumerate connected YubiKey devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := current.devices.List(context.Background())
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Printf("%s\t%s\t%s\n", yubikey.RedactedSerial(d.Serial), d.FormFactor, d.Firmware)
			for slot := 1; slot <= 3; slot++ {
				fmt.Printf("  slot %d: occupied=%v\n", slot, d.SlotOccupied(slot))
			}
		}
		return nil
	},
}

var (
	initSerial string
	initSlot   int
	initTouch  string
)

func parseTouchPolicy(s string) (yubikey.TouchPolicy, error) {
	switch strings.ToLower(s) {
	case "", "never":
		return yubikey.TouchNever, nil
	case "cached":
		return yubikey.TouchCached, nil
	case "always":
		return yubikey.TouchAlways, nil
	default:
		return "", vaulterr.New(vaulterr.KindInvalidInput, "touch policy must be never, cached, or always", "", true)
	}
}

var initializeDeviceCmd = &cobra.Command{
	Use:   "initialize-device",
	Short: "Set PIN/PUK away from factory defaults and provision a new identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		touch, err := parseTouchPolicy(initTouch)
		if err != nil {
			return err
		}
		pin, err := promptPin("New PIN (6-8 chars): ")
		if err != nil {
			return err
		}
		defer pin.Close()
		puk, err := promptPin("New PUK (6-8 chars): ")
		if err != nil {
			return err
		}
		defer puk.Close()

		result, err := current.devices.InitializeDevice(context.Background(), initSerial, pin, puk, initSlot, touch, newOpID(), time.Now)
		if err != nil {
			return err
		}
		fmt.Printf("key_id: %s\nrecipient: %s\n", result.KeyID, result.Recipient)
		return nil
	},
}

var registerDeviceCmd = &cobra.Command{
	Use:   "register-device",
	Short: "Register an already-initialised PIV slot without changing device state",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := current.devices.RegisterDevice(context.Background(), initSerial, initSlot, newOpID(), time.Now)
		if err != nil {
			return err
		}
		fmt.Printf("key_id: %s\nrecipient: %s\n", result.KeyID, result.Recipient)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listDevicesCmd, initializeDeviceCmd, registerDeviceCmd)

	for _, c := range []*cobra.Command{initializeDeviceCmd, registerDeviceCmd} {
		c.Flags().StringVar(&initSerial, "serial", "", "Device serial number (8 digits)")
		c.Flags().IntVar(&initSlot, "slot", 1, "PIV slot (1, 2, or 3)")
		_ = c.MarkFlagRequired("serial")
	}
	initializeDeviceCmd.Flags().StringVar(&initTouch, "touch-policy", "never", "Touch policy: never, cached, or always")
}
