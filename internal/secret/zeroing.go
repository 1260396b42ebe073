// Package secret provides sensitive buffer primitives — SecretBytes,
// SecretString, Passphrase, and Pin — that guarantee zeroisation on
// release, refuse non-constant-time comparison, and redact themselves in
// diagnostic output.
package secret

import "crypto/subtle"

// RedactionToken is what every sensitive type's String()/Format() emits
// instead of its contents.
const RedactionToken = "[REDACTED]"

// secureZero overwrites b with zeros using a constant-time copy so the
// compiler cannot prove the write is dead and elide it.
func secureZero(b []byte) {
	if len(b) == 0 {
		return
	}
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zeros)
}
