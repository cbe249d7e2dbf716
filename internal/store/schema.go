package store

import "fmt"

// Schema. Reference tables first, then devices and their cascading children,
// then the capture tables. ON DELETE CASCADE keeps serials, stack members,
// components, and captures consistent when a device row is removed.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS vendors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS device_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS device_roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL DEFAULT '',
		site_id INTEGER REFERENCES sites(id),
		vendor_id INTEGER REFERENCES vendors(id),
		device_type_id INTEGER REFERENCES device_types(id),
		device_role_id INTEGER REFERENCES device_roles(id),
		model TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		have_sn INTEGER NOT NULL DEFAULT 0,
		is_stack INTEGER NOT NULL DEFAULT 0,
		stack_count INTEGER NOT NULL DEFAULT 0,
		last_fingerprint_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS device_serials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		serial TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		is_primary INTEGER NOT NULL DEFAULT 0,
		UNIQUE(device_id, serial)
	)`,
	`CREATE TABLE IF NOT EXISTS stack_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		serial TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		is_master INTEGER NOT NULL DEFAULT 0,
		UNIQUE(device_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS components (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		descr TEXT NOT NULL DEFAULT '',
		pid TEXT NOT NULL DEFAULT '',
		vid TEXT NOT NULL DEFAULT '',
		serial TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'unknown',
		confidence REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS fingerprint_extractions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER REFERENCES devices(id) ON DELETE SET NULL,
		host TEXT NOT NULL DEFAULT '',
		command_text TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	// content holds the full capture text: the runner overwrites capture
	// files in place, so the previous bytes survive only here and the next
	// ingest diffs against this column.
	`CREATE TABLE IF NOT EXISTS captures_current (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		capture_type TEXT NOT NULL,
		file_path TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		line_count INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		captured_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(device_id, capture_type)
	)`,
	`CREATE TABLE IF NOT EXISTS captures_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		capture_type TEXT NOT NULL,
		file_path TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		line_count INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		captured_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS capture_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		capture_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_removed INTEGER NOT NULL DEFAULT 0,
		diff_path TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		new_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_captures_archive_device
		ON captures_archive(device_id, capture_type, archived_at)`,
	`CREATE INDEX IF NOT EXISTS idx_capture_changes_device
		ON capture_changes(device_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_extractions_created
		ON fingerprint_extractions(created_at)`,
}

// Reporting views over the normalized tables.
var viewStatements = []string{
	`CREATE VIEW IF NOT EXISTS v_device_status AS
		SELECT d.id, d.hostname, d.host,
			s.name AS site, v.name AS vendor, dt.name AS device_type,
			d.model, d.version, d.last_fingerprint_at,
			COUNT(cc.id) AS capture_count,
			MAX(cc.captured_at) AS last_capture_at
		FROM devices d
		LEFT JOIN sites s ON s.id = d.site_id
		LEFT JOIN vendors v ON v.id = d.vendor_id
		LEFT JOIN device_types dt ON dt.id = d.device_type_id
		LEFT JOIN captures_current cc ON cc.device_id = d.id
		GROUP BY d.id`,
	`CREATE VIEW IF NOT EXISTS v_capture_coverage AS
		SELECT cc.capture_type,
			COUNT(DISTINCT cc.device_id) AS devices_covered,
			(SELECT COUNT(*) FROM devices) AS devices_total,
			MIN(cc.captured_at) AS oldest_capture,
			MAX(cc.captured_at) AS newest_capture
		FROM captures_current cc
		GROUP BY cc.capture_type`,
	`CREATE VIEW IF NOT EXISTS v_site_inventory AS
		SELECT s.name AS site, v.name AS vendor,
			COUNT(d.id) AS device_count,
			COUNT(DISTINCT d.model) AS model_count
		FROM devices d
		LEFT JOIN sites s ON s.id = d.site_id
		LEFT JOIN vendors v ON v.id = d.vendor_id
		GROUP BY s.name, v.name`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.writer.Exec(stmt); err != nil {
			return classify(fmt.Errorf("apply schema: %w", err))
		}
	}
	for _, stmt := range viewStatements {
		if _, err := s.writer.Exec(stmt); err != nil {
			return classify(fmt.Errorf("create view: %w", err))
		}
	}
	return nil
}
