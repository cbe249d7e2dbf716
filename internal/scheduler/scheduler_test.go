package scheduler

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
	"github.com/opsforge/fleetcap/internal/inventory"
	"github.com/opsforge/fleetcap/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingRunner builds a runner whose jobs all fail fast on credential
// resolution, which exercises the pool without any network I/O.
func failingRunner(t *testing.T) *runner.Runner {
	t.Helper()
	creds, err := inventory.LoadCredentials("")
	require.NoError(t, err)
	dir := t.TempDir()
	return runner.New(creds, nil, filepath.Join(dir, "captures"), filepath.Join(dir, "fp"))
}

func testJobs(n int) []runner.Job {
	jobs := make([]runner.Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, runner.Job{
			Device: inventory.Device{
				Name:         "dev-" + string(rune('a'+i)),
				Host:         "203.0.113.1",
				Port:         22,
				CredentialID: "NO_SUCH_CRED",
			},
			Types: []capture.Type{capture.TypeVersion},
		})
	}
	return jobs
}

func TestRunAllJobsReported(t *testing.T) {
	sched := New(failingRunner(t), Config{Workers: 3, PerDevice: time.Second}, nil)

	res := sched.Run(context.Background(), testJobs(5))
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Failed)
	assert.Zero(t, res.OK)
	assert.Len(t, res.Results, 5)
	assert.NotEmpty(t, res.BatchID)
}

func TestRunEventOrderPerDevice(t *testing.T) {
	var mu sync.Mutex
	events := map[string][]string{}
	onEvent := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events[ev.Device] = append(events[ev.Device], ev.Stage)
	}

	sched := New(failingRunner(t), Config{Workers: 2, PerDevice: time.Second}, onEvent)
	sched.Run(context.Background(), testJobs(3))

	for device, stages := range events {
		require.GreaterOrEqual(t, len(stages), 2, device)
		assert.Equal(t, "scheduled", stages[0], device)
		assert.Equal(t, "started", stages[1], device)
		assert.Equal(t, "failed", stages[len(stages)-1], device)
	}
}

func TestRunStopOnError(t *testing.T) {
	sched := New(failingRunner(t), Config{Workers: 1, PerDevice: time.Second, StopOnError: true}, nil)

	res := sched.Run(context.Background(), testJobs(4))
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Failed, "first failure stops the batch")
	assert.Equal(t, 3, res.Canceled, "queued jobs drain as canceled")
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := New(failingRunner(t), Config{Workers: 2, PerDevice: time.Second}, nil)
	res := sched.Run(ctx, testJobs(3))
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Canceled)
	assert.Zero(t, res.Failed)
}

func TestRunWritesJournal(t *testing.T) {
	dir := t.TempDir()
	sched := New(failingRunner(t), Config{Workers: 2, PerDevice: time.Second, JournalDir: dir}, nil)

	res := sched.Run(context.Background(), testJobs(2))

	resultsPath := filepath.Join(dir, "results-"+res.BatchID+".jsonl")
	f, err := os.Open(resultsPath)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry struct {
			ID     string `json:"id"`
			Device string `json:"device"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.NotEmpty(t, entry.ID)
		assert.NotEmpty(t, entry.Device)
		assert.Equal(t, "failed", entry.Status)
		lines++
	}
	assert.Equal(t, 2, lines)

	progressPath := filepath.Join(dir, "progress-"+res.BatchID+".jsonl")
	_, err = os.Stat(progressPath)
	assert.NoError(t, err)
}

func TestDefaultWorkerCount(t *testing.T) {
	sched := New(failingRunner(t), Config{}, nil)
	assert.Equal(t, DefaultWorkers, sched.cfg.Workers)
}

func TestReplaySelectsFailedSubset(t *testing.T) {
	prev := &BatchResult{Results: []*runner.Result{
		{Device: "dev-a", Status: runner.StatusOK},
		{Device: "dev-b", Status: runner.StatusFailed},
		{Device: "dev-c", Status: runner.StatusCanceled},
	}}
	jobs := []runner.Job{
		{Device: inventory.Device{Name: "dev-a"}},
		{Device: inventory.Device{Name: "dev-b"}},
		{Device: inventory.Device{Name: "dev-c"}},
		{Device: inventory.Device{Name: "dev-d"}},
	}

	replay := Replay(prev, jobs)
	require.Len(t, replay, 2)
	assert.Equal(t, "dev-b", replay[0].Device.Name)
	assert.Equal(t, "dev-c", replay[1].Device.Name)
}
