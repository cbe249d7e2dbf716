package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
	"github.com/opsforge/fleetcap/internal/changes"
	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/opsforge/fleetcap/internal/metrics"
	"github.com/opsforge/fleetcap/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRetries bounds busy-store retry attempts per ingest.
	maxRetries = 5
	// retryBase is the first backoff delay; it doubles per attempt.
	retryBase = 100 * time.Millisecond

	// RetentionAge is how long archived captures are kept.
	RetentionAge = 30 * 24 * time.Hour
	// RetentionSweepLimit bounds one sweep pass.
	RetentionSweepLimit = 10000

	// DefaultConcurrency bounds parallel file read and hash work during
	// directory ingest. Store writes serialize on the single writer.
	DefaultConcurrency = 4
)

// sitePattern extracts the site prefix from a hostname, e.g. "NYC-core-1"
// belongs to site NYC.
var sitePattern = regexp.MustCompile(`^([A-Za-z]+)-`)

// Outcome summarizes one ingested file.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
)

// Loader ingests capture files and fingerprint artifacts into the store.
type Loader struct {
	store       *store.Store
	detector    *changes.Detector
	engine      *fingerprint.Engine
	concurrency int
	retention   time.Duration
	types       map[capture.Type]bool
}

// New builds a loader. engine may be nil when only raw captures are loaded.
func New(st *store.Store, det *changes.Detector, eng *fingerprint.Engine) *Loader {
	return &Loader{
		store:       st,
		detector:    det,
		engine:      eng,
		concurrency: DefaultConcurrency,
		retention:   RetentionAge,
	}
}

// SetConcurrency overrides the directory-ingest fan-in width.
func (l *Loader) SetConcurrency(n int) {
	if n > 0 {
		l.concurrency = n
	}
}

// SetRetention overrides how long archived captures are kept.
func (l *Loader) SetRetention(d time.Duration) {
	if d > 0 {
		l.retention = d
	}
}

// SetTypes restricts ingest to the given capture types. An empty set means
// all types.
func (l *Loader) SetTypes(types []capture.Type) {
	if len(types) == 0 {
		l.types = nil
		return
	}
	l.types = make(map[capture.Type]bool, len(types))
	for _, t := range types {
		l.types[t] = true
	}
}

// ParsePath splits a capture file path into capture type and device name.
// The layout is <root>/<capture-type>/<device-name>.<ext>.
func ParsePath(path string) (capture.Type, string, error) {
	dir := filepath.Base(filepath.Dir(path))
	t, ok := capture.Parse(dir)
	if !ok {
		return "", "", fmt.Errorf("%w: %q in %s", fleeterrors.ErrUnknownCaptureType, dir, path)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		return "", "", fmt.Errorf("capture file %s has no device name", path)
	}
	return t, stem, nil
}

// IngestCaptureFile loads one raw capture into the current/archive tables.
// A device the store does not know is logged and skipped, not an error.
func (l *Loader) IngestCaptureFile(ctx context.Context, path string) (Outcome, error) {
	t, deviceName, err := ParsePath(path)
	if err != nil {
		metrics.Get().ObserveIngest("capture", "error")
		return OutcomeSkipped, err
	}
	if l.types != nil && !l.types[t] {
		metrics.Get().ObserveIngest("capture", "skipped")
		return OutcomeSkipped, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		metrics.Get().ObserveIngest("capture", "error")
		return OutcomeSkipped, fmt.Errorf("read capture %s: %w", path, err)
	}
	hash := hashContent(content)

	device, err := l.store.DeviceByName(ctx, deviceName)
	if err != nil {
		if fleeterrors.IsCanceled(err) {
			return OutcomeSkipped, err
		}
		log.Warn().Str("device", deviceName).Str("path", path).Err(err).
			Msg("Skipping capture for unknown device")
		metrics.Get().ObserveIngest("capture", "skipped")
		return OutcomeSkipped, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("stat capture %s: %w", path, err)
	}
	capturedAt := info.ModTime().UTC()

	prev, err := l.store.CurrentCapture(ctx, device.ID, t)
	if err != nil {
		metrics.Get().ObserveIngest("capture", "error")
		return OutcomeSkipped, err
	}

	if prev != nil && prev.ContentHash == hash {
		if err := l.retry(ctx, func() error {
			return l.store.TouchCapture(ctx, device.ID, t, capturedAt)
		}); err != nil {
			metrics.Get().ObserveIngest("capture", "error")
			return OutcomeSkipped, err
		}
		metrics.Get().ObserveIngest("capture", "unchanged")
		return OutcomeUnchanged, nil
	}

	var changeRow *store.Change
	if prev != nil {
		changeRow, err = l.computeChange(prev, content, hash)
		if err != nil {
			metrics.Get().ObserveIngest("capture", "error")
			return OutcomeSkipped, err
		}
	}

	next := store.CaptureRow{
		DeviceID:    device.ID,
		Type:        t,
		FilePath:    path,
		Content:     string(content),
		ContentHash: hash,
		SizeBytes:   int64(len(content)),
		LineCount:   lineCount(content),
		Success:     capture.Successful(content),
		CapturedAt:  capturedAt,
	}
	if err := l.retry(ctx, func() error {
		return l.store.RotateCapture(ctx, prev, next, changeRow)
	}); err != nil {
		metrics.Get().ObserveIngest("capture", "error")
		return OutcomeSkipped, err
	}

	if prev == nil {
		metrics.Get().ObserveIngest("capture", "new")
		return OutcomeNew, nil
	}
	if changeRow != nil {
		metrics.Get().ObserveChange(changeRow.Severity)
	}
	metrics.Get().ObserveIngest("capture", "changed")
	return OutcomeChanged, nil
}

// computeChange diffs the stored previous capture content against the new
// bytes. The file at prev.FilePath is no use here: the runner overwrites
// captures in place, so by ingest time it already holds the new content. A
// previous row without stored content yields a change row with no diff.
func (l *Loader) computeChange(prev *store.CaptureRow, content []byte, newHash string) (*store.Change, error) {
	if prev.Content == "" && prev.SizeBytes > 0 {
		log.Warn().Int64("capture_id", prev.ID).
			Msg("Previous capture content not stored, recording change without diff")
		return &store.Change{
			Severity: string(changes.SeverityModerate),
			PrevHash: prev.ContentHash,
			NewHash:  newHash,
		}, nil
	}

	res, err := l.detector.Compare([]byte(prev.Content), content)
	if err != nil {
		return nil, fmt.Errorf("diff capture: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	return &store.Change{
		Severity:     string(res.Severity),
		LinesAdded:   res.LinesAdded,
		LinesRemoved: res.LinesRemoved,
		DiffPath:     res.DiffPath,
		PrevHash:     prev.ContentHash,
		NewHash:      newHash,
	}, nil
}

// IngestCaptureDir walks root and ingests every regular file in a known
// capture-type directory. File work fans out; the store serializes writes.
func (l *Loader) IngestCaptureDir(ctx context.Context, root string) (map[Outcome]int, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk capture root %s: %w", root, err)
	}

	counts := make(map[Outcome]int)
	results := make(chan Outcome, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			outcome, err := l.IngestCaptureFile(ctx, path)
			if err != nil {
				if fleeterrors.IsCanceled(err) {
					return err
				}
				log.Error().Str("path", path).Err(err).Msg("Capture ingest failed")
				outcome = OutcomeSkipped
			}
			results <- outcome
			return nil
		})
	}
	err = g.Wait()
	close(results)
	for outcome := range results {
		counts[outcome]++
	}
	if err != nil {
		return counts, err
	}

	swept, sweepErr := l.Sweep(ctx)
	if sweepErr != nil {
		log.Warn().Err(sweepErr).Msg("Archive retention sweep failed")
	} else if swept > 0 {
		log.Info().Int64("rows", swept).Msg("Swept expired archive captures")
	}
	return counts, nil
}

// Sweep removes archive rows older than the retention window, bounded per
// call.
func (l *Loader) Sweep(ctx context.Context) (int64, error) {
	return l.store.SweepArchive(ctx, time.Now().Add(-l.retention), RetentionSweepLimit)
}

// retry runs fn, backing off exponentially on busy-store errors.
func (l *Loader) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil || !fleeterrors.IsRetryable(err) {
			return err
		}
		delay := retryBase << attempt
		log.Debug().Dur("delay", delay).Int("attempt", attempt+1).Msg("Store busy, backing off")
		select {
		case <-ctx.Done():
			return fleeterrors.ErrCanceled
		case <-time.After(delay):
		}
	}
	return err
}

// SiteOf derives the site name from a hostname prefix, UNKNOWN when the
// hostname carries none.
func SiteOf(hostname string) string {
	if m := sitePattern.FindStringSubmatch(hostname); m != nil {
		return strings.ToUpper(m[1])
	}
	return "UNKNOWN"
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// lineCount counts capture lines, a trailing unterminated line included.
func lineCount(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte("\n"))
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
