package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/opsforge/fleetcap/internal/runner"
	"github.com/rs/zerolog/log"
)

// journal persists batch results (JSON lines) and the progress event log.
// A nil journal is valid and drops everything, so a missing journal dir never
// blocks a batch.
type journal struct {
	mu       sync.Mutex
	results  *os.File
	progress *os.File
}

type journalEntry struct {
	ID string `json:"id"`
	*runner.Result
}

func newJournal(dir, batchID string) (*journal, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	results, err := os.Create(filepath.Join(dir, "results-"+batchID+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("create result journal: %w", err)
	}
	progress, err := os.Create(filepath.Join(dir, "progress-"+batchID+".jsonl"))
	if err != nil {
		_ = results.Close()
		return nil, fmt.Errorf("create progress log: %w", err)
	}
	return &journal{results: results, progress: progress}, nil
}

func (j *journal) writeResult(r *runner.Result) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	line, err := json.Marshal(journalEntry{ID: uuid.NewString(), Result: r})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode journal entry")
		return
	}
	if _, err := j.results.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write journal entry")
	}
}

func (j *journal) writeEvent(ev Event) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := j.progress.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write progress event")
	}
}

func (j *journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.results.Close()
	_ = j.progress.Close()
}
