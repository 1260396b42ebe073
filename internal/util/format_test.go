package util

import (
	"testing"
	"time"
)

func TestTimeify(t *testing.T) {
	tests := []struct {
		seconds  int
		expected string
	}{
		{0, "00:00:00"},
		{59, "00:00:59"},
		{60, "00:01:00"},
		{3599, "00:59:59"},
		{3600, "01:00:00"},
		{3661, "01:01:01"},
		{86399, "23:59:59"},
		{-10, "00:00:00"},
	}

	for _, tt := range tests {
		if got := Timeify(tt.seconds); got != tt.expected {
			t.Errorf("Timeify(%d) = %s; want %s", tt.seconds, got, tt.expected)
		}
	}
}

func TestSizeify(t *testing.T) {
	tests := []struct {
		size     int64
		expected string
	}{
		{0, "0.00 KiB"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{MiB, "1.00 MiB"},
		{MiB + MiB/2, "1.50 MiB"},
		{GiB, "1.00 GiB"},
		{TiB, "1.00 TiB"},
		{2 * TiB, "2.00 TiB"},
	}

	for _, tt := range tests {
		if got := Sizeify(tt.size); got != tt.expected {
			t.Errorf("Sizeify(%d) = %s; want %s", tt.size, got, tt.expected)
		}
	}
}

func TestEstimateRemaining(t *testing.T) {
	start := time.Now().Add(-2 * time.Second)

	// Half done after 2 seconds: roughly 2 seconds to go.
	eta := EstimateRemaining(MiB, 2*MiB, start)
	if eta < time.Second || eta > 4*time.Second {
		t.Errorf("EstimateRemaining at 50%% = %v; want ~2s", eta)
	}

	if eta := EstimateRemaining(0, 2*MiB, start); eta != 0 {
		t.Errorf("EstimateRemaining with no progress = %v; want 0", eta)
	}
	if eta := EstimateRemaining(2*MiB, 2*MiB, start); eta != 0 {
		t.Errorf("EstimateRemaining when done = %v; want 0", eta)
	}
	if eta := EstimateRemaining(MiB, 2*MiB, time.Now()); eta != 0 {
		t.Errorf("EstimateRemaining with no elapsed time = %v; want 0", eta)
	}
}
