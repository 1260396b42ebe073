package secret

import (
	"unicode/utf8"

	zxcvbn "github.com/Picocrypt/zxcvbn-go"
)

// MinPassphraseLength is the default minimum passphrase length, used when
// NewPassphrase is given a minLen of 0.
const MinPassphraseLength = 12

// Passphrase is a zeroising wrapper around a user passphrase, carrying its
// own validation and strength scoring.
type Passphrase struct {
	s *String
}

// NewPassphrase validates and wraps a passphrase. minLen is the caller's
// configured minimum (defaults to MinPassphraseLength if 0).
func NewPassphrase(plaintext string, minLen int) (*Passphrase, error) {
	if minLen <= 0 {
		minLen = MinPassphraseLength
	}
	if !utf8.ValidString(plaintext) {
		return nil, errInvalidPassphrase("passphrase must be valid UTF-8")
	}
	if utf8.RuneCountInString(plaintext) < minLen {
		return nil, errInvalidPassphrase("passphrase is shorter than the required minimum")
	}
	return &Passphrase{s: NewString(plaintext)}, nil
}

// Score returns a zxcvbn strength score in [0,4]. Scoring never logs or
// persists the passphrase; it runs purely in memory against the live
// plaintext and is re-computed, never cached, so it cannot leak via a
// stale cached copy.
func Score(plaintext string) int {
	return zxcvbn.PasswordStrength(plaintext, nil).Score
}

// Reveal returns the passphrase text for a single owning call site (e.g.
// handing it to the KDF). Do not retain past that call.
func (p *Passphrase) Reveal() string {
	if p == nil {
		return ""
	}
	return p.s.Reveal()
}

// Equal performs a constant-time comparison.
func (p *Passphrase) Equal(other *Passphrase) bool {
	if p == nil || other == nil {
		return false
	}
	return p.s.Equal(other.s)
}

// Close zeros the backing memory.
func (p *Passphrase) Close() {
	if p == nil {
		return
	}
	p.s.Close()
}

func (p *Passphrase) String() string {
	return RedactionToken
}

// invalidPassphraseError is a small local error type, built by
// errInvalidPassphrase, so this package does not import vaulterr.
type invalidPassphraseError struct{ msg string }

func (e *invalidPassphraseError) Error() string { return e.msg }

func errInvalidPassphrase(msg string) error { return &invalidPassphraseError{msg: msg} }
