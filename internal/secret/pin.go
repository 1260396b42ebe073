package secret

// Pin bounds are the YubiKey PIV PIN/PUK length limits.
const (
	MinPinLength = 6
	MaxPinLength = 8
)

// Pin is a zeroising wrapper around a YubiKey PIN/PUK. Construction
// enforces the 6-8 ASCII-byte length rule; comparison is constant-time
// only.
type Pin struct {
	b *Bytes
}

// NewPin validates and wraps a PIN/PUK value.
func NewPin(value string) (*Pin, error) {
	if len(value) < MinPinLength || len(value) > MaxPinLength {
		return nil, errInvalidPassphrase("PIN must be between 6 and 8 characters")
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c < '0' || c > '9' {
			// PIV PINs are conventionally numeric; any printable ASCII is
			// accepted by the underlying tooling, so we only reject
			// non-ASCII and control characters here.
			if c < 0x20 || c > 0x7e {
				return nil, errInvalidPassphrase("PIN must be ASCII")
			}
		}
	}
	return &Pin{b: NewBytes([]byte(value))}, nil
}

// Reveal returns the PIN text for a single owning call site (handing it to
// a PTY prompt response).
func (p *Pin) Reveal() string {
	if p == nil {
		return ""
	}
	return string(p.b.Reveal())
}

// Equal performs a constant-time comparison. No other comparison path is
// exposed.
func (p *Pin) Equal(other *Pin) bool {
	if p == nil || other == nil {
		return false
	}
	return p.b.Equal(other.b)
}

// ComplexityScore gives a coarse 0-3 score: digits-only short PIN scores
// low, longer/mixed-character PINs score higher. This is advisory only —
// PIV enforces its own PIN policy on the device.
func (p *Pin) ComplexityScore() int {
	if p == nil || p.b.Closed() {
		return 0
	}
	v := p.b.Reveal()
	score := 0
	if len(v) > MinPinLength {
		score++
	}
	distinct := map[byte]struct{}{}
	allDigits := true
	for _, c := range v {
		distinct[c] = struct{}{}
		if c < '0' || c > '9' {
			allDigits = false
		}
	}
	if len(distinct) >= len(v)-1 {
		score++
	}
	if !allDigits {
		score++
	}
	if score > 3 {
		score = 3
	}
	return score
}

// Close zeros the backing memory.
func (p *Pin) Close() {
	if p == nil {
		return
	}
	p.b.Close()
}

func (p *Pin) String() string {
	return RedactionToken
}
