// Command barqly-vault-core is the CLI entrypoint for the vault engine:
// key management, YubiKey device orchestration, and vault
// encrypt/decrypt. There is no GUI build of this module; every
// operation is reachable as a Cobra subcommand.
package main

import (
	"os"

	"github.com/barqly/vault-core/internal/cli"
)

// version is set at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
