package util

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// RandomBytes returns n bytes from crypto/rand, for salts and the
// best-effort key-file overwrite on delete.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("invalid length")
	}
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	return data, nil
}

// PassgenOptions configures GenPassword. At least one character class must
// be enabled or the result is empty.
type PassgenOptions struct {
	Length  int
	Upper   bool
	Lower   bool
	Numbers bool
	Symbols bool
}

// GenPassword generates a random passphrase from the enabled character
// classes using crypto/rand, for the generate-key --generate flow where
// the user wants a machine-chosen strong passphrase.
func GenPassword(opts PassgenOptions) (string, error) {
	chars := ""
	if opts.Upper {
		chars += "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	}
	if opts.Lower {
		chars += "abcdefghijklmnopqrstuvwxyz"
	}
	if opts.Numbers {
		chars += "1234567890"
	}
	if opts.Symbols {
		chars += "-=_+!@#$^&()?<>"
	}
	if len(chars) == 0 || opts.Length <= 0 {
		return "", nil
	}

	out := make([]byte, opts.Length)
	for i := range out {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", fmt.Errorf("fatal crypto/rand error: %w", err)
		}
		out[i] = chars[j.Int64()]
	}
	return string(out), nil
}
