package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/fingerprint"
)

// DeviceRow is one persisted device with denormalized reference names.
type DeviceRow struct {
	ID                int64
	Hostname          string
	Host              string
	Site              string
	Vendor            string
	DeviceType        string
	Role              string
	Model             string
	Version           string
	HaveSN            bool
	IsStack           bool
	StackCount        int
	LastFingerprintAt time.Time
}

// upsertRef inserts a reference row and returns its id, tolerating an
// existing row with the same name.
func upsertRef(tx *sql.Tx, table, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}
	var id int64
	err := tx.QueryRow(fmt.Sprintf(`
		INSERT INTO %s (name) VALUES (?)
		ON CONFLICT(name) DO UPDATE SET name = excluded.name
		RETURNING id`, table), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert %s %q: %w", table, name, err)
	}
	return id, nil
}

func refID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// UpsertDevice writes a device and its reference rows inside tx and returns
// the device id. Empty model/version/host values do not clobber existing ones.
func UpsertDevice(tx *sql.Tx, d *fingerprint.Device, site, deviceType, role string, fingerprintedAt time.Time) (int64, error) {
	siteID, err := upsertRef(tx, "sites", site)
	if err != nil {
		return 0, err
	}
	vendorID, err := upsertRef(tx, "vendors", d.Vendor)
	if err != nil {
		return 0, err
	}
	typeID, err := upsertRef(tx, "device_types", deviceType)
	if err != nil {
		return 0, err
	}
	roleID, err := upsertRef(tx, "device_roles", role)
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(`
		INSERT INTO devices (hostname, host, site_id, vendor_id, device_type_id, device_role_id,
			model, version, last_fingerprint_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(hostname) DO UPDATE SET
			host = CASE WHEN excluded.host != '' THEN excluded.host ELSE devices.host END,
			site_id = COALESCE(excluded.site_id, devices.site_id),
			vendor_id = COALESCE(excluded.vendor_id, devices.vendor_id),
			device_type_id = COALESCE(excluded.device_type_id, devices.device_type_id),
			device_role_id = COALESCE(excluded.device_role_id, devices.device_role_id),
			model = CASE WHEN excluded.model != '' THEN excluded.model ELSE devices.model END,
			version = CASE WHEN excluded.version != '' THEN excluded.version ELSE devices.version END,
			last_fingerprint_at = COALESCE(excluded.last_fingerprint_at, devices.last_fingerprint_at),
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		d.Hostname, d.Host, refID(siteID), refID(vendorID), refID(typeID), refID(roleID),
		d.Model, d.Version, nullTime(fingerprintedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert device %q: %w", d.Hostname, err)
	}
	return id, nil
}

// ReplaceDeviceDetail swaps the serials, stack members, and components of a
// device for the freshly fingerprinted set. Replace, not merge: a serial that
// disappeared from the device disappears from the database. The first serial
// is the primary one and the first stack member is the master.
func ReplaceDeviceDetail(tx *sql.Tx, deviceID int64, d *fingerprint.Device) error {
	for _, table := range []string{"device_serials", "stack_members", "components"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE device_id = ?`, table), deviceID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for i, serial := range d.Serials {
		if _, err := tx.Exec(
			`INSERT INTO device_serials (device_id, serial, position, is_primary) VALUES (?, ?, ?, ?)`,
			deviceID, serial, i+1, boolInt(i == 0)); err != nil {
			return fmt.Errorf("insert serial %q: %w", serial, err)
		}
	}
	for i, m := range d.StackMembers {
		if _, err := tx.Exec(
			`INSERT INTO stack_members (device_id, position, serial, model, is_master) VALUES (?, ?, ?, ?, ?)`,
			deviceID, m.Position, m.Serial, m.Model, boolInt(i == 0)); err != nil {
			return fmt.Errorf("insert stack member %d: %w", m.Position, err)
		}
	}
	for _, c := range d.Components {
		if _, err := tx.Exec(
			`INSERT INTO components (device_id, name, descr, pid, vid, serial, kind, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			deviceID, c.Name, c.Description, c.PID, c.VID, c.Serial, string(c.Kind), c.Confidence); err != nil {
			return fmt.Errorf("insert component %q: %w", c.Name, err)
		}
	}
	return recomputeDeviceFlags(tx, deviceID)
}

// recomputeDeviceFlags restores the derived device columns after a detail
// replacement, inside the same transaction: have_sn iff any serial row
// exists, stack_count equals the stack member count, is_stack iff that count
// is at least 2.
func recomputeDeviceFlags(tx *sql.Tx, deviceID int64) error {
	if _, err := tx.Exec(`
		UPDATE devices SET
			have_sn = EXISTS (SELECT 1 FROM device_serials WHERE device_id = devices.id),
			stack_count = (SELECT COUNT(*) FROM stack_members WHERE device_id = devices.id),
			is_stack = (SELECT COUNT(*) FROM stack_members WHERE device_id = devices.id) >= 2,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, deviceID); err != nil {
		return fmt.Errorf("recompute device flags: %w", err)
	}
	return nil
}

// AddExtraction records a fingerprint parse audit row. Satisfies
// fingerprint.Auditor.
func (s *Store) AddExtraction(ex fingerprint.Extraction) error {
	_, err := s.writer.Exec(`
		INSERT INTO fingerprint_extractions
			(device_id, host, command_text, template_id, score, record_count, matched, created_at)
		VALUES ((SELECT id FROM devices WHERE host = ? OR hostname = ? LIMIT 1), ?, ?, ?, ?, ?, ?, ?)`,
		ex.Host, ex.Host, ex.Host, ex.CommandText, ex.TemplateID, ex.Score, ex.RecordCount,
		boolInt(ex.Matched), ex.CreatedAt.UTC())
	return classify(err)
}

// DeviceByName resolves a device by hostname or host address.
func (s *Store) DeviceByName(ctx context.Context, name string) (*DeviceRow, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT d.id, d.hostname, d.host,
			COALESCE(s.name, ''), COALESCE(v.name, ''), COALESCE(dt.name, ''), COALESCE(dr.name, ''),
			d.model, d.version, d.have_sn, d.is_stack, d.stack_count,
			COALESCE(d.last_fingerprint_at, '0001-01-01 00:00:00')
		FROM devices d
		LEFT JOIN sites s ON s.id = d.site_id
		LEFT JOIN vendors v ON v.id = d.vendor_id
		LEFT JOIN device_types dt ON dt.id = d.device_type_id
		LEFT JOIN device_roles dr ON dr.id = d.device_role_id
		WHERE d.hostname = ? COLLATE NOCASE OR d.host = ?`, name, name)

	var d DeviceRow
	err := row.Scan(&d.ID, &d.Hostname, &d.Host, &d.Site, &d.Vendor, &d.DeviceType, &d.Role,
		&d.Model, &d.Version, &d.HaveSN, &d.IsStack, &d.StackCount, &d.LastFingerprintAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", fleeterrors.ErrDeviceUnknown, name)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

// CountDevices returns the device table size.
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n)
	return n, classify(err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
