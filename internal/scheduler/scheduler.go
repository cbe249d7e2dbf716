package scheduler

import (
	"context"
	"sync"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/metrics"
	"github.com/opsforge/fleetcap/internal/runner"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers is the concurrent session ceiling.
	DefaultWorkers = 8
	// DrainTimeout bounds the wait for in-flight jobs after a stop.
	DrainTimeout = 5 * time.Second
)

// Config tunes one batch run.
type Config struct {
	Workers      int
	PerDevice    time.Duration
	BatchTimeout time.Duration
	StopOnError  bool
	JournalDir   string
}

// Event is one progress record. Events for a given device arrive in protocol
// order: scheduled, started, connected, commands-ok, written, then exactly
// one of done, failed, canceled.
type Event struct {
	BatchID string    `json:"batch_id"`
	Device  string    `json:"device"`
	Host    string    `json:"host"`
	Stage   string    `json:"stage"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// BatchResult aggregates a finished batch.
type BatchResult struct {
	BatchID  string           `json:"batch_id"`
	Total    int              `json:"total"`
	OK       int              `json:"ok"`
	Failed   int              `json:"failed"`
	Canceled int              `json:"canceled"`
	Elapsed  float64          `json:"elapsed_seconds"`
	Results  []*runner.Result `json:"results"`
}

// Scheduler fans device jobs out over a bounded worker pool.
type Scheduler struct {
	runner *runner.Runner
	cfg    Config
	events func(Event)
}

// New builds a scheduler. onEvent may be nil; it is called from worker
// goroutines and must be safe for concurrent use.
func New(r *runner.Runner, cfg Config, onEvent func(Event)) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Scheduler{runner: r, cfg: cfg, events: onEvent}
}

// Run executes all jobs and blocks until every one has a terminal state.
// Jobs never retried; devices that never start under stop-on-error or a
// batch deadline are reported canceled.
func (s *Scheduler) Run(ctx context.Context, jobs []runner.Job) *BatchResult {
	batchID := ulid.Make().String()
	start := time.Now()

	journal, err := newJournal(s.cfg.JournalDir, batchID)
	if err != nil {
		log.Warn().Err(err).Msg("Result journal disabled")
	}
	defer journal.Close()

	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	jobChan := make(chan runner.Job, len(jobs))
	resultChan := make(chan *runner.Result, len(jobs))
	for _, job := range jobs {
		s.emit(journal, Event{BatchID: batchID, Device: job.Device.Name, Host: job.Device.Host,
			Stage: "scheduled", Time: time.Now().UTC()})
		jobChan <- job
	}
	close(jobChan)

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				resultChan <- s.runOne(runCtx, batchID, journal, job, stop)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	res := &BatchResult{BatchID: batchID, Total: len(jobs)}
	pending := make(map[string]runner.Job, len(jobs))
	for _, job := range jobs {
		pending[job.Device.Name] = job
	}
	record := func(r *runner.Result) {
		res.Results = append(res.Results, r)
		delete(pending, r.Device)
		switch r.Status {
		case runner.StatusOK:
			res.OK++
		case runner.StatusCanceled:
			res.Canceled++
		default:
			res.Failed++
		}
		journal.writeResult(r)
	}

	// Collect until every job reports, allowing a bounded drain once the
	// batch is canceled. Jobs that never report within the drain window are
	// recorded canceled.
	done := ctx.Done()
	var drainDeadline <-chan time.Time
collect:
	for {
		select {
		case r, ok := <-resultChan:
			if !ok {
				break collect
			}
			record(r)
		case <-done:
			done = nil
			drainDeadline = time.After(DrainTimeout)
		case <-drainDeadline:
			log.Warn().Int("pending", len(pending)).Msg("Drain window expired, marking stragglers canceled")
			for _, job := range pending {
				record(canceledResult(job))
			}
			break collect
		}
	}
	res.Elapsed = time.Since(start).Seconds()

	log.Info().Str("batch_id", batchID).Int("total", res.Total).Int("ok", res.OK).
		Int("failed", res.Failed).Int("canceled", res.Canceled).
		Dur("elapsed", time.Since(start)).Msg("Batch finished")
	return res
}

func (s *Scheduler) runOne(ctx context.Context, batchID string, journal *journal, job runner.Job, stop context.CancelFunc) *runner.Result {
	emit := func(stage, errText string) {
		s.emit(journal, Event{BatchID: batchID, Device: job.Device.Name, Host: job.Device.Host,
			Stage: stage, Error: errText, Time: time.Now().UTC()})
	}

	// A batch already stopping cancels queued work without dialing out.
	if ctx.Err() != nil {
		emit("canceled", "")
		return canceledResult(job)
	}

	emit("started", "")
	job.OnStage = func(stage string) { emit(stage, "") }
	job.PerDevice = s.cfg.PerDevice

	m := metrics.Get()
	m.JobStarted()
	start := time.Now()
	result := s.runner.Run(ctx, job)
	m.JobFinished()
	m.ObserveJob(string(result.Status), time.Since(start))

	switch result.Status {
	case runner.StatusOK:
		emit("done", "")
	case runner.StatusCanceled:
		emit("canceled", result.Error)
	default:
		emit("failed", result.Error)
		if s.cfg.StopOnError {
			log.Warn().Str("device", job.Device.Name).Msg("Stopping batch on first failure")
			stop()
		}
	}
	return result
}

func (s *Scheduler) emit(j *journal, ev Event) {
	if s.events != nil {
		s.events(ev)
	}
	j.writeEvent(ev)
}

func canceledResult(job runner.Job) *runner.Result {
	return &runner.Result{
		Device:     job.Device.Name,
		Host:       job.Device.Host,
		Status:     runner.StatusCanceled,
		Error:      fleeterrors.ErrCanceled.Error(),
		FinishedAt: time.Now().UTC(),
	}
}

// Replay selects from jobs the subset whose device failed in prev, so a
// follow-up run covers only the gap.
func Replay(prev *BatchResult, jobs []runner.Job) []runner.Job {
	failed := make(map[string]bool)
	for _, r := range prev.Results {
		if r.Status == runner.StatusFailed || r.Status == runner.StatusCanceled {
			failed[r.Device] = true
		}
	}
	var out []runner.Job
	for _, job := range jobs {
		if failed[job.Device.Name] {
			out = append(out, job)
		}
	}
	return out
}
