package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// isTerminal reports whether stdin is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(syscall.Stdin))
}

// readSecretLine prompts on stderr and reads one line from stdin without
// echo when stdin is a terminal, falling back to a buffered line read
// otherwise. Used for both passphrases and PINs.
func readSecretLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !isTerminal() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", vaulterr.Wrap(vaulterr.KindInternalError, "read from stdin", "", false, err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.KindInternalError, "read from terminal", "", false, err)
	}
	return string(raw), nil
}

// promptPassphrase asks for a passphrase, confirming it when confirm is
// true (generate-key); otherwise a single read (unlock/decrypt).
func promptPassphrase(confirm bool, minLen int) (*secret.Passphrase, error) {
	first, err := readSecretLine("Passphrase: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		second, err := readSecretLine("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if first != second {
			return nil, vaulterr.New(vaulterr.KindWeakPassphrase, "passphrases do not match", "retype both passphrases identically", true)
		}
	}
	pass, err := secret.NewPassphrase(first, minLen)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindWeakPassphrase, "passphrase rejected", "use at least 12 characters of valid UTF-8", true, err)
	}
	return pass, nil
}

func promptPin(prompt string) (*secret.Pin, error) {
	line, err := readSecretLine(prompt)
	if err != nil {
		return nil, err
	}
	return secret.NewPin(line)
}
