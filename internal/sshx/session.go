package sshx

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/terminal"
	"golang.org/x/crypto/ssh"
)

const (
	// DrainInterval bounds how long the read channel may sit undrained
	// before device-side backpressure builds up.
	DrainInterval = 250 * time.Millisecond

	// ProbeQuiet is the quiet interval after which probe output is
	// considered settled and a prompt may be adopted.
	ProbeQuiet = 400 * time.Millisecond

	// ProbeTimeout bounds initial prompt detection.
	ProbeTimeout = 10 * time.Second

	// DefaultMaxOutput caps accumulated output per device.
	DefaultMaxOutput = 16 << 20

	readChunk = 4096
)

// PrologueError folds a failed preamble command into one error.
type PrologueError struct {
	Command string
	Err     error
}

func (e *PrologueError) Error() string {
	return fmt.Sprintf("prologue command %q: %v", e.Command, e.Err)
}

func (e *PrologueError) Unwrap() error { return e.Err }

// Session is one interactive shell on one device. Reads are pumped by a
// background goroutine into a channel the waiter drains; the prompt detector
// owns the sanitized rolling buffer and the aggregate prompt counter.
type Session struct {
	host      string
	client    *ssh.Client
	shell     *ssh.Session
	stdin     io.WriteCloser
	reads     <-chan []byte
	detector  *terminal.Detector
	maxOutput int
	opened    time.Time

	closeOnce sync.Once
	closeErr  error
}

func newShellSession(host string, client *ssh.Client) (*Session, error) {
	shell, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := shell.RequestPty("vt100", 200, 80, modes); err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := shell.StdinPipe()
	if err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := shell.StdoutPipe()
	if err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := shell.Shell(); err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Session{
		host:      host,
		client:    client,
		shell:     shell,
		stdin:     stdin,
		reads:     pumpReads(stdout),
		detector:  terminal.NewDetector(),
		maxOutput: DefaultMaxOutput,
		opened:    time.Now(),
	}
	return s, nil
}

// newPipeSession builds a session over arbitrary pipes; used by tests with a
// scripted mock device.
func newPipeSession(host string, stdin io.WriteCloser, stdout io.Reader) *Session {
	return &Session{
		host:      host,
		stdin:     stdin,
		reads:     pumpReads(stdout),
		detector:  terminal.NewDetector(),
		maxOutput: DefaultMaxOutput,
		opened:    time.Now(),
	}
}

// pumpReads moves raw bytes from the shell into a buffered channel so the
// device never blocks on our side longer than the drain interval.
func pumpReads(r io.Reader) <-chan []byte {
	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		buf := make([]byte, readChunk)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// Host returns the device address the session is bound to.
func (s *Session) Host() string { return s.host }

// Prompt returns the tracked prompt, empty before a successful probe.
func (s *Session) Prompt() string { return s.detector.Expect() }

// SetMaxOutput overrides the per-device output cap.
func (s *Session) SetMaxOutput(n int) {
	if n > 0 {
		s.maxOutput = n
	}
}

// Probe sends a newline and adopts the device prompt from the quiet output.
func (s *Session) Probe(ctx context.Context) (string, error) {
	start := time.Now()
	if err := s.send("\n"); err != nil {
		return "", fleeterrors.NewDeviceError("probe", s.host, start, err)
	}

	deadline := time.NewTimer(ProbeTimeout)
	defer deadline.Stop()
	quiet := time.NewTimer(ProbeQuiet)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fleeterrors.NewDeviceError("probe", s.host, start, fleeterrors.FromContext(ctx))
		case <-deadline.C:
			return "", fleeterrors.NewDeviceError("probe", s.host, start,
				fmt.Errorf("%w: last output %q", fleeterrors.ErrPromptTimeout, tail(s.detector.Buffer(), 120)))
		case chunk, ok := <-s.reads:
			if !ok {
				return "", fleeterrors.NewDeviceError("probe", s.host, start, io.ErrUnexpectedEOF)
			}
			s.detector.Feed(chunk)
			resetTimer(quiet, ProbeQuiet)
		case <-quiet.C:
			if prompt, ok := s.detector.Adopt(); ok {
				return prompt, nil
			}
			// Nothing adoptable yet; nudge the device again.
			if err := s.send("\n"); err != nil {
				return "", fleeterrors.NewDeviceError("probe", s.host, start, err)
			}
			resetTimer(quiet, ProbeQuiet)
		}
	}
}

// RunPrologue issues the preamble commands, waiting for the prompt after each.
func (s *Session) RunPrologue(ctx context.Context, commands []string, perCmd time.Duration) error {
	start := time.Now()
	for _, cmd := range commands {
		if _, err := s.runCommand(ctx, cmd, perCmd); err != nil {
			return fleeterrors.NewDeviceError("prologue", s.host, start, &PrologueError{Command: cmd, Err: err})
		}
	}
	return nil
}

// Execute runs each command in order and returns the concatenated sanitized
// output with prompts stripped. Between commands the detector must observe
// the prompt exactly once more than before.
func (s *Session) Execute(ctx context.Context, commands []string, perCmd, total time.Duration) (string, error) {
	start := time.Now()
	var out strings.Builder

	totalDeadline := time.Now().Add(total)
	for _, cmd := range commands {
		budget := perCmd
		if remaining := time.Until(totalDeadline); remaining < budget {
			budget = remaining
		}
		if budget <= 0 {
			return out.String(), fleeterrors.NewDeviceError("execute", s.host, start, fleeterrors.ErrDeviceTimeout)
		}
		chunk, err := s.runCommand(ctx, cmd, budget)
		if err != nil {
			return out.String(), fleeterrors.NewDeviceError("execute", s.host, start, err)
		}
		out.WriteString(terminal.StripTrailingPrompt(chunk, s.detector.Expect()))
	}
	return out.String(), nil
}

// runCommand sends one command and waits for the prompt. It returns the
// output produced after the command was sent.
func (s *Session) runCommand(ctx context.Context, cmd string, budget time.Duration) (string, error) {
	mark := len(s.detector.Buffer())
	if err := s.send(cmd + "\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	s.detector.CommandIssued()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	drain := time.NewTicker(DrainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fleeterrors.FromContext(ctx)
		case <-deadline.C:
			return "", fmt.Errorf("%w: command %q, last output %q",
				fleeterrors.ErrPromptTimeout, cmd, tail(s.detector.Buffer(), 120))
		case chunk, ok := <-s.reads:
			if !ok {
				return "", fmt.Errorf("read: %w", io.ErrUnexpectedEOF)
			}
			s.detector.Feed(chunk)
			if len(s.detector.Buffer()) > s.maxOutput {
				return "", fmt.Errorf("%w: %d bytes", fleeterrors.ErrOutputTooLarge, len(s.detector.Buffer()))
			}
			if s.detector.Found() {
				return s.detector.Buffer()[mark:], nil
			}
		case <-drain.C:
			if s.detector.Found() {
				return s.detector.Buffer()[mark:], nil
			}
		}
	}
}

func (s *Session) send(data string) error {
	if s.stdin == nil {
		return io.ErrClosedPipe
	}
	_, err := io.WriteString(s.stdin, data)
	return err
}

// Close shuts the shell and transport down. Safe to call multiple times and
// on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.stdin != nil {
			if err := s.stdin.Close(); err != nil && err != io.ErrClosedPipe {
				errs = append(errs, err)
			}
		}
		if s.shell != nil {
			if err := s.shell.Close(); err != nil && err != io.EOF {
				errs = append(errs, err)
			}
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("close session %s: %v", s.host, errs)
		}
	})
	return s.closeErr
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
