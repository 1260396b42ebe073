package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barqly/vault-core/internal/archive"
	"github.com/barqly/vault-core/internal/operation"
	"github.com/barqly/vault-core/internal/vault"
	"github.com/barqly/vault-core/internal/vaulterr"
)

var (
	decVaultPath string
	decOutputDir string
	decKeyID     string
	decMethod    string
	decQuiet     bool
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a vault back into its original files",
	RunE: func(cmd *cobra.Command, args []string) error {
		unlock, closeSecret, err := resolveUnlockMethod()
		if err != nil {
			return err
		}
		defer closeSecret()

		opID := newOpID()
		handle, err := current.ops.Register(opID, operation.KindDecrypt, decOutputDir)
		if err != nil {
			return err
		}
		defer current.ops.Remove(opID)
		setActiveOp(opID)
		defer clearActiveOp(opID)

		ch, unsubscribe := current.bus.Subscribe(opID)
		defer unsubscribe()
		go watchProgress(decQuiet, ch)

		summary, err := current.engine.Decrypt(context.Background(), vault.DecryptOptions{
			OpID:      opID,
			VaultPath: decVaultPath,
			OutputDir: decOutputDir,
			Unlock:    unlock,
			Cancel:    handle.Cancel,
		})
		current.bus.Forget(opID)
		if err != nil {
			return err
		}
		fmt.Printf("output: %s\nfiles: %d\n", summary.OutputDir, len(summary.Manifest.Files))
		return nil
	},
}

func resolveUnlockMethod() (vault.UnlockMethod, func(), error) {
	switch decMethod {
	case "passphrase":
		pass, err := promptPassphrase(false, 0)
		if err != nil {
			return vault.UnlockMethod{}, func() {}, err
		}
		return vault.UnlockMethod{Kind: vault.UnlockPassphrase, KeyID: decKeyID, Passphrase: pass}, func() { pass.Close() }, nil
	case "yubikey":
		pin, err := promptPin("PIN: ")
		if err != nil {
			return vault.UnlockMethod{}, func() {}, err
		}
		return vault.UnlockMethod{Kind: vault.UnlockYubiKey, KeyID: decKeyID, PIN: pin}, func() { pin.Close() }, nil
	default:
		return vault.UnlockMethod{}, func() {}, vaulterr.New(vaulterr.KindInvalidInput, "unlock-method must be passphrase or yubikey", "", true)
	}
}

var verifyManifestPath string

var verifyManifestCmd = &cobra.Command{
	Use:   "verify-manifest",
	Short: "Recompute hashes for an already-extracted vault against its manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(verifyManifestPath)
		if err != nil {
			return vaulterr.Wrap(vaulterr.KindFileNotFound, "read manifest file", "", false, err)
		}
		manifest, err := archive.UnmarshalManifest(data)
		if err != nil {
			return err
		}
		mismatches, err := current.engine.VerifyManifest(manifest, decOutputDir)
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println("ok")
			return nil
		}
		for _, m := range mismatches {
			fmt.Printf("%s\t%s\n", m.Kind, m.Path)
		}
		return vaulterr.New(vaulterr.KindIntegrityCheckFailed, "manifest verification found mismatches", "", false)
	},
}

func init() {
	rootCmd.AddCommand(decryptCmd, verifyManifestCmd)

	decryptCmd.Flags().StringVar(&decVaultPath, "vault", "", "Path to the .age vault file")
	decryptCmd.Flags().StringVarP(&decOutputDir, "output", "o", "", "Directory to extract into")
	decryptCmd.Flags().StringVar(&decKeyID, "key-id", "", "Key ID to unlock with")
	decryptCmd.Flags().StringVar(&decMethod, "unlock-method", "passphrase", "Unlock method: passphrase or yubikey")
	decryptCmd.Flags().BoolVarP(&decQuiet, "quiet", "q", false, "Suppress progress output")
	_ = decryptCmd.MarkFlagRequired("vault")
	_ = decryptCmd.MarkFlagRequired("output")
	_ = decryptCmd.MarkFlagRequired("key-id")

	verifyManifestCmd.Flags().StringVar(&verifyManifestPath, "manifest", "", "Path to a saved .manifest.json")
	verifyManifestCmd.Flags().StringVarP(&decOutputDir, "dir", "d", "", "Directory of already-extracted files")
	_ = verifyManifestCmd.MarkFlagRequired("manifest")
	_ = verifyManifestCmd.MarkFlagRequired("dir")
}
