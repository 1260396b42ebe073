package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barqly/vault-core/internal/operation"
	"github.com/barqly/vault-core/internal/util"
	"github.com/barqly/vault-core/internal/vault"
)

var (
	encInputs     []string
	encOutput     string
	encRecipients []string
	encArmored    bool
	encQuiet      bool
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt one or more files/folders into a vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		opID := newOpID()
		handle, err := current.ops.Register(opID, operation.KindEncrypt, encOutput)
		if err != nil {
			return err
		}
		defer current.ops.Remove(opID)
		setActiveOp(opID)
		defer clearActiveOp(opID)

		ch, unsubscribe := current.bus.Subscribe(opID)
		defer unsubscribe()
		go watchProgress(encQuiet, ch)

		summary, err := current.engine.Encrypt(context.Background(), vault.EncryptOptions{
			OpID:            opID,
			InputPaths:      encInputs,
			RecipientKeyIDs: encRecipients,
			OutputPath:      encOutput,
			Armored:         encArmored,
			Cancel:          handle.Cancel,
		})
		current.bus.Forget(opID)
		if err != nil {
			return err
		}
		fmt.Printf("output: %s\nmanifest: %s\nfiles: %d\ntotal_size: %s\n", summary.OutputPath, summary.ManifestPath, summary.FileCount, util.Sizeify(summary.TotalSize))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	encryptCmd.Flags().StringArrayVarP(&encInputs, "input", "i", nil, "Input file or folder (repeatable)")
	encryptCmd.Flags().StringVarP(&encOutput, "output", "o", "", "Output vault path")
	encryptCmd.Flags().StringArrayVarP(&encRecipients, "recipient", "r", nil, "Recipient key ID (repeatable, up to 4)")
	encryptCmd.Flags().BoolVar(&encArmored, "armor", false, "Write ASCII-armored output")
	encryptCmd.Flags().BoolVarP(&encQuiet, "quiet", "q", false, "Suppress progress output")
	_ = encryptCmd.MarkFlagRequired("input")
	_ = encryptCmd.MarkFlagRequired("output")
	_ = encryptCmd.MarkFlagRequired("recipient")
}
