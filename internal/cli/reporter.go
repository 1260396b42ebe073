package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/barqly/vault-core/internal/obs/redact"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/util"
)

// printError is the single exit point for command failures: Cobra's own
// error and usage printing is silenced on rootCmd, and Execute routes the
// failing command's error here instead, so a raw cause can never echo a
// tracked passphrase, PIN, or identity line to the terminal. A nil
// redactor still shortens serial numbers.
func printError(redactor *redact.Registry, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", redactor.Redact(err.Error()))
}

// watchProgress prints a single overwritten progress line for each update
// received on ch until ch closes. It runs on the caller's goroutine; callers
// with a foreground blocking call should run it in its own goroutine
// instead and drain until the operation finishes.
func watchProgress(quiet bool, ch <-chan progress.Update) {
	if quiet {
		for range ch {
		}
		return
	}
	const barWidth = 30
	var lastLen int
	var start time.Time
	for u := range ch {
		if start.IsZero() {
			start = time.Now()
		}
		filled := int(u.Progress * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
		elapsed := util.Timeify(int(time.Since(start).Seconds()))
		line := fmt.Sprintf("\r[%s] %5.1f%% %s elapsed %s", bar, u.Progress*100, u.Message, elapsed)
		if u.EstimatedTimeRemaining > 0 {
			line += " eta " + util.Timeify(int(u.EstimatedTimeRemaining.Seconds()))
		}
		if len(line) < lastLen {
			line += strings.Repeat(" ", lastLen-len(line))
		}
		lastLen = len(line)
		fmt.Fprint(os.Stderr, line)
	}
	fmt.Fprintln(os.Stderr)
}
