package sshx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptDevice emulates a network device shell over pipes: it echoes each
// command, prints the scripted response, and reprints its prompt.
type scriptDevice struct {
	prompt    string
	responses map[string]string
	silent    bool // swallow commands without answering

	in  *io.PipeReader
	out *io.PipeWriter
}

func startDevice(t *testing.T, prompt string, responses map[string]string) (*scriptDevice, *Session) {
	t.Helper()
	devIn, sessStdin := io.Pipe()
	sessStdout, devOut := io.Pipe()

	dev := &scriptDevice{prompt: prompt, responses: responses, in: devIn, out: devOut}
	go dev.run()

	sess := newPipeSession("test-device", sessStdin, sessStdout)
	t.Cleanup(func() {
		_ = sess.Close()
		_ = devOut.Close()
	})
	return dev, sess
}

func (d *scriptDevice) run() {
	defer d.out.Close()
	scanner := bufio.NewScanner(d.in)
	for scanner.Scan() {
		if d.silent {
			continue
		}
		cmd := scanner.Text()
		if cmd == "" {
			fmt.Fprintf(d.out, "\r\n%s", d.prompt)
			continue
		}
		resp, ok := d.responses[cmd]
		if !ok {
			resp = "% Invalid input detected"
		}
		fmt.Fprintf(d.out, "%s\r\n%s\r\n%s", cmd, resp, d.prompt)
	}
}

func TestSessionProbeAdoptsPrompt(t *testing.T) {
	_, sess := startDevice(t, "sw1#", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prompt, err := sess.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sw1#", prompt)
	assert.Equal(t, "sw1#", sess.Prompt())
}

func TestSessionExecuteStripsPrompt(t *testing.T) {
	_, sess := startDevice(t, "sw1#", map[string]string{
		"show version": "Cisco IOS Software, Version 15.2(7)E3\nsw1 uptime is 1 week",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	out, err := sess.Execute(ctx, []string{"show version"}, 2*time.Second, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "Cisco IOS Software")
	assert.Contains(t, out, "uptime is 1 week")
	assert.False(t, strings.HasSuffix(strings.TrimRight(out, "\n"), "sw1#"),
		"trailing prompt must be stripped")
}

func TestSessionExecuteSanitizesOutput(t *testing.T) {
	_, sess := startDevice(t, "sw1#", map[string]string{
		"show arp": "\x1b[32m10.0.0.1\x1b[0m  aabb.ccdd.eeff",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	out, err := sess.Execute(ctx, []string{"show arp"}, 2*time.Second, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.1  aabb.ccdd.eeff")
	assert.NotContains(t, out, "\x1b")
}

func TestSessionRunPrologue(t *testing.T) {
	_, sess := startDevice(t, "sw1#", map[string]string{
		"terminal length 0": "",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	err = sess.RunPrologue(ctx, []string{"terminal length 0"}, 2*time.Second)
	assert.NoError(t, err)
}

func TestSessionPrologueTimeoutWrapsCommand(t *testing.T) {
	dev, sess := startDevice(t, "sw1#", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	dev.silent = true
	err = sess.RunPrologue(ctx, []string{"no page"}, 300*time.Millisecond)
	require.Error(t, err)

	var pe *PrologueError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "no page", pe.Command)
	assert.ErrorIs(t, err, fleeterrors.ErrPromptTimeout)
}

func TestSessionExecuteCommandTimeout(t *testing.T) {
	dev, sess := startDevice(t, "sw1#", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	dev.silent = true
	_, err = sess.Execute(ctx, []string{"show tech-support"}, 300*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, fleeterrors.ErrPromptTimeout)
}

func TestSessionExecuteCanceled(t *testing.T) {
	dev, sess := startDevice(t, "sw1#", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	dev.silent = true
	cmdCtx, cmdCancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(100 * time.Millisecond)
		cmdCancel()
	}()
	_, err = sess.Execute(cmdCtx, []string{"show version"}, 10*time.Second, 10*time.Second)
	assert.True(t, fleeterrors.IsCanceled(err))
}

func TestSessionDeadlineExpiryIsTimeout(t *testing.T) {
	dev, sess := startDevice(t, "sw1#", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	// The device budget running out must fail the job as a timeout, not
	// report it canceled.
	dev.silent = true
	cmdCtx, cmdCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cmdCancel()
	_, err = sess.Execute(cmdCtx, []string{"show version"}, 10*time.Second, 10*time.Second)
	assert.ErrorIs(t, err, fleeterrors.ErrDeviceTimeout)
	assert.False(t, fleeterrors.IsCanceled(err))
}

func TestSessionProbeDeadlineExpiryIsTimeout(t *testing.T) {
	dev, sess := startDevice(t, "sw1#", nil)
	dev.silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fleeterrors.ErrDeviceTimeout)
	assert.False(t, fleeterrors.IsCanceled(err))
}

func TestSessionOutputCap(t *testing.T) {
	devIn, sessStdin := io.Pipe()
	sessStdout, devOut := io.Pipe()
	sess := newPipeSession("test-device", sessStdin, sessStdout)
	sess.SetMaxOutput(256)
	t.Cleanup(func() {
		_ = sess.Close()
		_ = devOut.Close()
	})

	// Flood without ever showing a prompt.
	go func() {
		scanner := bufio.NewScanner(devIn)
		for scanner.Scan() {
			if scanner.Text() == "" {
				fmt.Fprint(devOut, "\r\nsw1#")
				continue
			}
			for i := 0; i < 100; i++ {
				fmt.Fprint(devOut, strings.Repeat("x", 64)+"\r\n")
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.NoError(t, err)

	_, err = sess.Execute(ctx, []string{"show flood"}, 3*time.Second, 3*time.Second)
	assert.ErrorIs(t, err, fleeterrors.ErrOutputTooLarge)
}

func TestSessionCloseIdempotent(t *testing.T) {
	_, sess := startDevice(t, "sw1#", nil)
	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())
}

func TestSessionProbeEOF(t *testing.T) {
	devIn, sessStdin := io.Pipe()
	sessStdout, devOut := io.Pipe()
	sess := newPipeSession("test-device", sessStdin, sessStdout)
	t.Cleanup(func() { _ = sess.Close() })

	go func() {
		_, _ = io.Copy(io.Discard, devIn)
	}()
	_ = devOut.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Probe(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
