package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is the SQLite adapter. One connection owns all writes; a small
// separate pool serves reads so reporting queries never queue behind ingest.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// The writer never queues behind readers: WAL readers hold no lock that
// blocks a write, and a writer that finds the file busy (a checkpoint, or
// another process) waits inside the driver up to busy_timeout rather than
// failing immediately. Contention past that bound surfaces as ErrStoreBusy
// and is retried by callers.
const (
	busyTimeoutMS  = 30000
	readerPoolSize = 4
)

func dsn(path string) string {
	return path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
}

// Open opens (creating if needed) the capture database and applies the
// schema.
func Open(path string) (*Store, error) {
	writer, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader pool %s: %w", path, err)
	}
	reader.SetMaxOpenConns(readerPoolSize)

	s := &Store{writer: writer, reader: reader, path: path}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Opened capture database")
	return s, nil
}

// Close shuts both pools down.
func (s *Store) Close() error {
	var errs []error
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader pool: %w", err))
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// classify folds driver errors into the store error taxonomy. Busy and locked
// conditions are retryable; corruption is fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", fleeterrors.ErrStoreBusy, err)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "corrupt"), strings.Contains(msg, "not a database"):
		return fmt.Errorf("%w: %v", fleeterrors.ErrStoreFatal, err)
	default:
		return err
	}
}

// InTx runs fn inside one write transaction. Callers compose multi-table
// updates that must land together.
func (s *Store) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// withTx runs fn in a write transaction, classifying any failure.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
