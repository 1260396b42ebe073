package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barqly/vault-core/internal/vaulterr"
)

// progress and cancel round out the operation-control surface, but this
// process is one-shot: encrypt/decrypt already block on their own
// operation and print its progress via watchProgress, so by the time a
// second process could run `progress --op-id` the first process (and its
// in-memory Bus/Registry) is gone. These two subcommands exist for
// library embedders who run an operation on one goroutine and poll or
// cancel it from another within the same process; run standalone against
// a separate CLI invocation they will always report "not found", which
// is the honest answer for a registry that never outlives its process.
var progressOpID string

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Report the latest progress snapshot for an operation ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, ok := current.bus.Latest(progressOpID)
		if !ok {
			return vaulterr.New(vaulterr.KindOperationNotFound, "no progress recorded for this operation", "", false).WithDetails(progressOpID)
		}
		fmt.Printf("progress: %.1f%%\nmessage: %s\n", u.Progress*100, u.Message)
		return nil
	},
}

var cancelOpID string

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of an in-flight operation by ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.ops.Cancel(cancelOpID); err != nil {
			return err
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(progressCmd, cancelCmd)

	progressCmd.Flags().StringVar(&progressOpID, "op-id", "", "Operation ID")
	_ = progressCmd.MarkFlagRequired("op-id")

	cancelCmd.Flags().StringVar(&cancelOpID, "op-id", "", "Operation ID")
	_ = cancelCmd.MarkFlagRequired("op-id")
}
