package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
)

// CaptureRow is one row of captures_current. Content carries the full
// capture text; the on-disk file at FilePath may already hold newer bytes.
type CaptureRow struct {
	ID          int64
	DeviceID    int64
	Type        capture.Type
	FilePath    string
	Content     string
	ContentHash string
	SizeBytes   int64
	LineCount   int
	Success     bool
	CapturedAt  time.Time
}

// Change is one capture change event persisted alongside a rotation.
type Change struct {
	Severity     string
	LinesAdded   int
	LinesRemoved int
	DiffPath     string
	PrevHash     string
	NewHash      string
}

// CurrentCapture returns the current capture of a device/type, or nil when
// none exists yet.
func (s *Store) CurrentCapture(ctx context.Context, deviceID int64, t capture.Type) (*CaptureRow, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT id, device_id, capture_type, file_path, content, content_hash, size_bytes, line_count, success, captured_at
		FROM captures_current WHERE device_id = ? AND capture_type = ?`, deviceID, string(t))

	var c CaptureRow
	var typ string
	err := row.Scan(&c.ID, &c.DeviceID, &typ, &c.FilePath, &c.Content, &c.ContentHash, &c.SizeBytes, &c.LineCount, &c.Success, &c.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	c.Type = capture.Type(typ)
	return &c, nil
}

// TouchCapture refreshes captured_at on a hash-identical re-ingest. The file
// path and content rows stay untouched.
func (s *Store) TouchCapture(ctx context.Context, deviceID int64, t capture.Type, capturedAt time.Time) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE captures_current SET captured_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE device_id = ? AND capture_type = ?`, capturedAt.UTC(), deviceID, string(t))
	return classify(err)
}

// RotateCapture replaces the current capture in one transaction: the previous
// row (if any) moves to the archive, the new row becomes current, and the
// change event (if any) is recorded. Either everything lands or nothing does.
func (s *Store) RotateCapture(ctx context.Context, prev *CaptureRow, next CaptureRow, change *Change) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if prev != nil {
			if _, err := tx.Exec(`
				INSERT INTO captures_archive (device_id, capture_type, file_path, content, content_hash, size_bytes, line_count, success, captured_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				prev.DeviceID, string(prev.Type), prev.FilePath, prev.Content, prev.ContentHash,
				prev.SizeBytes, prev.LineCount, boolInt(prev.Success), prev.CapturedAt.UTC()); err != nil {
				return fmt.Errorf("archive capture: %w", err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO captures_current (device_id, capture_type, file_path, content, content_hash, size_bytes, line_count, success, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, capture_type) DO UPDATE SET
				file_path = excluded.file_path,
				content = excluded.content,
				content_hash = excluded.content_hash,
				size_bytes = excluded.size_bytes,
				line_count = excluded.line_count,
				success = excluded.success,
				captured_at = excluded.captured_at,
				updated_at = CURRENT_TIMESTAMP`,
			next.DeviceID, string(next.Type), next.FilePath, next.Content, next.ContentHash,
			next.SizeBytes, next.LineCount, boolInt(next.Success), next.CapturedAt.UTC()); err != nil {
			return fmt.Errorf("upsert current capture: %w", err)
		}
		if change != nil {
			if _, err := tx.Exec(`
				INSERT INTO capture_changes (device_id, capture_type, severity, lines_added, lines_removed, diff_path, prev_hash, new_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				next.DeviceID, string(next.Type), change.Severity, change.LinesAdded, change.LinesRemoved,
				change.DiffPath, change.PrevHash, change.NewHash); err != nil {
				return fmt.Errorf("insert change: %w", err)
			}
		}
		return nil
	})
}

// SweepArchive deletes archive rows older than cutoff, at most limit per
// call, and returns how many went. Bounding the delete keeps the write lock
// short on large backlogs.
func (s *Store) SweepArchive(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM captures_archive WHERE id IN (
			SELECT id FROM captures_archive WHERE archived_at < ? ORDER BY archived_at LIMIT ?
		)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// RecentChanges lists change events newest-first, up to limit.
func (s *Store) RecentChanges(ctx context.Context, limit int) ([]Change, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT severity, lines_added, lines_removed, diff_path, prev_hash, new_hash
		FROM capture_changes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Severity, &c.LinesAdded, &c.LinesRemoved, &c.DiffPath, &c.PrevHash, &c.NewHash); err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}
