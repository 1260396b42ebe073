// Package ptydrv drives external tools as subprocesses connected to a
// controlling pseudo-terminal, parsing the interactive prompts they emit.
// Its callers use it for age decryption with plugin identities and for
// age-plugin-yubikey identity generation; ykman is not run through it. It
// is built on github.com/creack/pty.
package ptydrv

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// PromptKind classifies one line of output from the child as a specific
// interactive prompt.
type PromptKind int

const (
	PromptUnknown PromptKind = iota
	PromptPin
	PromptTouch
	PromptLine // a captured identity/recipient output line
)

// Prompt is one classified line read from the child's PTY output.
type Prompt struct {
	Kind PromptKind
	Text string
}

var (
	pinPromptRe   = regexp.MustCompile(`(?i)enter pin for yubikey`)
	touchPromptRe = regexp.MustCompile(`(?i)touch the yubikey`)
)

func classify(line string) Prompt {
	switch {
	case pinPromptRe.MatchString(line):
		return Prompt{Kind: PromptPin, Text: line}
	case touchPromptRe.MatchString(line):
		return Prompt{Kind: PromptTouch, Text: line}
	default:
		return Prompt{Kind: PromptLine, Text: line}
	}
}

// PromptTimeout bounds how long a single interactive prompt may wait.
const PromptTimeout = 120 * time.Second

// killGrace is the delay between a graceful terminate attempt and SIGKILL.
const killGrace = 500 * time.Millisecond

// Session is a single PTY-connected child process scoped to one device
// serial.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	logger log.Logger

	mu       sync.Mutex
	prompts  chan Prompt
	readErr  error
	doneOnce sync.Once
}

// Spawn starts binPath with args under a controlling PTY. When
// requireSerial is true (direct invocations of age-plugin-yubikey or
// ykman), args must already include "--serial", serial — Spawn enforces
// this rather than trusting callers: slot occupancy is a per-device
// property, and a command that omits --serial can land on whichever
// device the tool enumerates first. Invocations of
// the age binary itself (which internally re-invokes the plugin without
// exposing its argv to this process) pass requireSerial=false.
func Spawn(ctx context.Context, logger log.Logger, binPath string, args []string, serial string, requireSerial bool) (*Session, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if requireSerial && (serial == "" || !hasSerialFlag(args, serial)) {
		return nil, vaulterr.New(vaulterr.KindInternalError, "subprocess invocation missing --serial", "", false).WithDetails(strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, binPath, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.Wrap(vaulterr.KindAgeBinaryMissing, "binary not found", "install the required tool or set its path override", true, err).WithDetails(binPath)
		}
		return nil, vaulterr.Wrap(vaulterr.KindPluginIO, "start subprocess under pty", "", false, err).WithDetails(binPath)
	}

	s := &Session{cmd: cmd, ptmx: ptmx, logger: logger.WithFields(log.String("bin", binPath))}
	s.prompts = make(chan Prompt, 16)
	go s.readLoop()
	return s, nil
}

func hasSerialFlag(args []string, serial string) bool {
	for i, a := range args {
		if a == "--serial" && i+1 < len(args) && args[i+1] == serial {
			return true
		}
		if a == "--serial="+serial {
			return true
		}
	}
	return false
}

// readLoop parses child output line by line, classifying prompts and
// publishing them on s.prompts. read()==0/EOF on Unix terminates the
// loop; EIO (common when a PTY slave closes) is treated identically.
func (s *Session) readLoop() {
	defer close(s.prompts)
	scanner := bufio.NewScanner(s.ptmx)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("pty line", log.String("line", line))
		s.prompts <- classify(line)
	}
	if err := scanner.Err(); err != nil && !isBenignReadEOF(err) {
		s.mu.Lock()
		s.readErr = err
		s.mu.Unlock()
	}
}

func isBenignReadEOF(err error) bool {
	// A PTY master read after the slave closes surfaces as a generic I/O
	// error on some platforms rather than io.EOF; treat it as EOF since
	// the child has exited in either case.
	return strings.Contains(err.Error(), "input/output error") || strings.Contains(err.Error(), "EIO")
}

// Next returns the next classified prompt, blocking until one arrives,
// the child exits, or PromptTimeout elapses. It returns io.EOF once the
// child's output stream has closed with no read error — the normal way a
// subprocess session ends — so callers can distinguish clean completion
// from an actual PluginIO failure.
func (s *Session) Next(ctx context.Context) (Prompt, error) {
	select {
	case p, ok := <-s.prompts:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err != nil {
				return Prompt{}, vaulterr.Wrap(vaulterr.KindPluginIO, "read subprocess output", "", false, err)
			}
			return Prompt{}, io.EOF
		}
		return p, nil
	case <-time.After(PromptTimeout):
		s.Kill()
		return Prompt{}, vaulterr.New(vaulterr.KindDeviceTimeout, "timed out waiting for a device response", "check the device connection and retry", true)
	case <-ctx.Done():
		s.Kill()
		return Prompt{}, vaulterr.New(vaulterr.KindConcurrentOperation, "operation cancelled", "", false)
	}
}

// Respond writes text followed by a newline to the child's stdin (the PTY
// master), used to answer a PIN prompt exactly once.
func (s *Session) Respond(text string) error {
	if _, err := s.ptmx.Write([]byte(text + "\n")); err != nil {
		return vaulterr.Wrap(vaulterr.KindPluginIO, "write to subprocess", "", false, err)
	}
	return nil
}

// Wait blocks until the child exits and releases the PTY master.
func (s *Session) Wait() error {
	err := s.cmd.Wait()
	_ = s.ptmx.Close()
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindPluginIO, "subprocess exited with error", "", false, err)
	}
	return nil
}

// Kill terminates the child, first gracefully then forcibly. It is safe
// to call more than once.
func (s *Session) Kill() {
	s.doneOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(os.Interrupt)
		time.AfterFunc(killGrace, func() {
			_ = s.cmd.Process.Kill()
		})
	})
}
