package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/opsforge/fleetcap/internal/inventory"
	"github.com/opsforge/fleetcap/internal/sshx"
	"github.com/opsforge/fleetcap/internal/vendors"
	"github.com/rs/zerolog/log"
)

const (
	// ConnectTimeoutCap bounds the dial phase even on generous device budgets.
	ConnectTimeoutCap = 20 * time.Second
	// PerCommandCap bounds a single command regardless of remaining budget.
	PerCommandCap = 60 * time.Second
	// DefaultPerDevice is the whole-device budget when none is configured.
	DefaultPerDevice = 10 * time.Minute
)

// Status is the terminal state of one device job.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is the work order for one device.
type Job struct {
	Device    inventory.Device
	Types     []capture.Type
	PerDevice time.Duration

	// OnStage, when set, receives protocol milestones: connected,
	// commands-ok, written. Terminal stages come from the scheduler.
	OnStage func(stage string)
}

func (j Job) stage(name string) {
	if j.OnStage != nil {
		j.OnStage(name)
	}
}

// Result is the outcome of one device job.
type Result struct {
	Device          string    `json:"device"`
	Host            string    `json:"host"`
	Status          Status    `json:"status"`
	Elapsed         float64   `json:"elapsed_seconds"`
	BytesWritten    int64     `json:"bytes_written"`
	Captures        int       `json:"captures"`
	Error           string    `json:"error,omitempty"`
	FingerprintPath string    `json:"fingerprint_path,omitempty"`
	Prompt          string    `json:"prompt,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`

	err error
}

// Err returns the underlying error of a failed or canceled job.
func (r *Result) Err() error { return r.err }

// session is the device-facing surface the runner drives. sshx.Session
// satisfies it; tests substitute a scripted fake.
type session interface {
	Probe(ctx context.Context) (string, error)
	RunPrologue(ctx context.Context, commands []string, perCmd time.Duration) error
	Execute(ctx context.Context, commands []string, perCmd, total time.Duration) (string, error)
	Close() error
}

type dialFunc func(ctx context.Context, host string, port int, cred sshx.Credential, timeout time.Duration) (session, error)

// Runner executes the per-device capture protocol.
type Runner struct {
	creds           *inventory.Credentials
	engine          *fingerprint.Engine
	outputRoot      string
	fingerprintRoot string
	dial            dialFunc
}

// New builds a runner. engine may be nil to skip fingerprinting.
func New(creds *inventory.Credentials, engine *fingerprint.Engine, outputRoot, fingerprintRoot string) *Runner {
	return &Runner{
		creds:           creds,
		engine:          engine,
		outputRoot:      outputRoot,
		fingerprintRoot: fingerprintRoot,
		dial: func(ctx context.Context, host string, port int, cred sshx.Credential, timeout time.Duration) (session, error) {
			return sshx.Dial(ctx, host, port, cred, timeout)
		},
	}
}

// Run executes the full protocol for one device: credential resolve, dial,
// probe, prologue, captures, fingerprint. The session is closed on every
// path; capture files appear atomically or not at all.
func (r *Runner) Run(ctx context.Context, job Job) *Result {
	start := time.Now()
	res := &Result{Device: job.Device.Name, Host: job.Device.Host}
	defer func() {
		res.Elapsed = time.Since(start).Seconds()
		res.FinishedAt = time.Now().UTC()
	}()

	perDevice := job.PerDevice
	if perDevice <= 0 {
		perDevice = DefaultPerDevice
	}
	ctx, cancel := context.WithTimeout(ctx, perDevice)
	defer cancel()

	cred, err := r.creds.Resolve(job.Device.CredentialID)
	if err != nil {
		return res.fail(err)
	}

	connectTimeout := min(ConnectTimeoutCap, perDevice/4)
	sess, err := r.dial(ctx, job.Device.Host, job.Device.Port, cred, connectTimeout)
	if err != nil {
		return res.fail(err)
	}
	defer sess.Close()

	job.stage("connected")

	prompt, err := sess.Probe(ctx)
	if err != nil {
		return res.fail(err)
	}
	res.Prompt = prompt

	platform := vendors.FromHint(job.Device.Vendor)
	if err := sess.RunPrologue(ctx, vendors.Prologue(platform), perCmdBudget(ctx)); err != nil {
		return res.fail(err)
	}

	deadline, _ := ctx.Deadline()
	outputs := make(map[string]string)
	for _, t := range job.Types {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return res.fail(fleeterrors.ErrDeviceTimeout)
		}
		cmd := t.Command()
		output, err := sess.Execute(ctx, []string{cmd}, min(PerCommandCap, remaining), remaining)
		if err != nil {
			return res.fail(err)
		}
		n, err := r.writeCapture(job.Device.Name, t, output)
		if err != nil {
			return res.fail(err)
		}
		res.BytesWritten += n
		res.Captures++
		if t.Fingerprinted() {
			outputs[cmd] = output
		}
	}
	job.stage("commands-ok")

	if r.engine != nil && len(outputs) > 0 {
		path, err := r.writeFingerprint(job.Device, prompt, outputs)
		if err != nil {
			log.Warn().Str("device", job.Device.Name).Err(err).Msg("Fingerprint failed")
		} else {
			res.FingerprintPath = path
		}
	}
	job.stage("written")

	res.Status = StatusOK
	return res
}

func (res *Result) fail(err error) *Result {
	res.err = err
	res.Error = err.Error()
	if fleeterrors.IsCanceled(err) {
		res.Status = StatusCanceled
	} else {
		res.Status = StatusFailed
	}
	return res
}

func perCmdBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return min(PerCommandCap, time.Until(deadline))
	}
	return PerCommandCap
}

// writeCapture persists one capture under <root>/<type>/<device>.txt via the
// tmp-fsync-rename pattern. Readers never see a partial file.
func (r *Runner) writeCapture(deviceName string, t capture.Type, output string) (int64, error) {
	dir := filepath.Join(r.outputRoot, string(t))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, fingerprint.NormalizeName(deviceName)+".txt")

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp capture: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.WriteString(output)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write capture: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("sync capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close capture: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename capture: %w", err)
	}
	return int64(n), nil
}

// writeFingerprint parses the fingerprint command outputs and writes the
// device artifact.
func (r *Runner) writeFingerprint(device inventory.Device, prompt string, outputs map[string]string) (string, error) {
	var results []*fingerprint.ParseResult
	for cmd, output := range outputs {
		res, err := r.engine.Parse(device.Host, cmd, output, device.Vendor)
		if err != nil {
			log.Debug().Str("device", device.Name).Str("command", cmd).Err(err).Msg("No template match")
			continue
		}
		results = append(results, res)
	}
	derived := fingerprint.DeriveDevice(results, prompt, device.Host)
	if derived.Hostname == "" {
		derived.Hostname = device.Name
	}
	artifact := fingerprint.NewArtifact(derived, prompt, outputs)
	return artifact.Write(r.fingerprintRoot)
}
