package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenPassword(t *testing.T) {
	opts := PassgenOptions{
		Length:  32,
		Upper:   true,
		Lower:   true,
		Numbers: true,
		Symbols: true,
	}

	password, err := GenPassword(opts)
	if err != nil {
		t.Fatalf("GenPassword: %v", err)
	}
	if len(password) != 32 {
		t.Errorf("GenPassword length = %d; want 32", len(password))
	}

	password2, err := GenPassword(opts)
	if err != nil {
		t.Fatalf("GenPassword: %v", err)
	}
	if password == password2 {
		t.Error("two GenPassword calls returned identical passwords")
	}
}

func TestGenPasswordCharacterSets(t *testing.T) {
	tests := []struct {
		name  string
		opts  PassgenOptions
		valid func(rune) bool
	}{
		{"upper", PassgenOptions{Length: 100, Upper: true}, func(c rune) bool { return c >= 'A' && c <= 'Z' }},
		{"lower", PassgenOptions{Length: 100, Lower: true}, func(c rune) bool { return c >= 'a' && c <= 'z' }},
		{"numbers", PassgenOptions{Length: 100, Numbers: true}, func(c rune) bool { return c >= '0' && c <= '9' }},
		{"symbols", PassgenOptions{Length: 100, Symbols: true}, func(c rune) bool { return strings.ContainsRune("-=_+!@#$^&()?<>", c) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password, err := GenPassword(tt.opts)
			if err != nil {
				t.Fatalf("GenPassword: %v", err)
			}
			for _, c := range password {
				if !tt.valid(c) {
					t.Errorf("%s-only password contains invalid char: %c", tt.name, c)
				}
			}
		})
	}
}

func TestGenPasswordEmpty(t *testing.T) {
	if password, _ := GenPassword(PassgenOptions{Length: 32}); password != "" {
		t.Errorf("no charset should yield empty, got %s", password)
	}
	if password, _ := GenPassword(PassgenOptions{Length: 0, Upper: true}); password != "" {
		t.Errorf("zero length should yield empty, got %s", password)
	}
}

func TestRandomBytes(t *testing.T) {
	for _, length := range []int{1, 16, 32, 1024} {
		data, err := RandomBytes(length)
		if err != nil {
			t.Fatalf("RandomBytes(%d): %v", length, err)
		}
		if len(data) != length {
			t.Errorf("RandomBytes(%d) returned %d bytes", length, len(data))
		}
		if length >= 16 && bytes.Equal(data, make([]byte, length)) {
			t.Errorf("RandomBytes(%d) returned all zeros", length)
		}
	}
}

func TestRandomBytesInvalidLength(t *testing.T) {
	if _, err := RandomBytes(0); err == nil {
		t.Error("RandomBytes(0) should error")
	}
	if _, err := RandomBytes(-1); err == nil {
		t.Error("RandomBytes(-1) should error")
	}
}
