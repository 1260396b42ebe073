package util

import (
	"fmt"
	"time"
)

// EstimateRemaining projects how long the rest of a byte-counted phase
// will take, extrapolating from the throughput observed since start.
// Returns 0 until there is enough elapsed signal to extrapolate from.
func EstimateRemaining(done, total int64, start time.Time) time.Duration {
	if done <= 0 || total <= 0 || done >= total {
		return 0
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		return 0
	}
	perByte := float64(elapsed) / float64(done)
	return time.Duration(perByte * float64(total-done))
}

// Timeify renders a second count as "HH:MM:SS". Negative input clamps to
// zero.
func Timeify(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds%60)
}

// Sizeify renders a byte count under its largest binary-prefix unit.
func Sizeify(size int64) string {
	switch {
	case size >= TiB:
		return fmt.Sprintf("%.2f TiB", float64(size)/float64(TiB))
	case size >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(size)/float64(GiB))
	case size >= MiB:
		return fmt.Sprintf("%.2f MiB", float64(size)/float64(MiB))
	default:
		return fmt.Sprintf("%.2f KiB", float64(size)/float64(KiB))
	}
}
