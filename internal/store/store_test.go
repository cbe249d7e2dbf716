package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fleetcap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDevice() *fingerprint.Device {
	return &fingerprint.Device{
		Hostname: "NYC-core-1",
		Host:     "10.1.0.1",
		Vendor:   "Cisco",
		Model:    "WS-C2960X-48TS-L",
		Version:  "15.2(7)E3",
		Serials:  []string{"FOC0001", "FOC0002"},
		StackMembers: []fingerprint.StackMember{
			{Position: 1, Serial: "FOC0001", Model: "WS-C2960X-48TS-L"},
			{Position: 2, Serial: "FOC0002", Model: "WS-C2960X-48TS-L"},
		},
		Components: []fingerprint.Component{
			{Name: "1", PID: "WS-C2960X-48TS-L", Serial: "FOC0001", Kind: fingerprint.KindChassis, Confidence: 0.5},
		},
	}
}

func upsertTestDevice(t *testing.T, s *Store, d *fingerprint.Device) int64 {
	t.Helper()
	var id int64
	err := s.InTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = UpsertDevice(tx, d, "NYC", "switch", "core", time.Now())
		if err != nil {
			return err
		}
		return ReplaceDeviceDetail(tx, id, d)
	})
	require.NoError(t, err)
	return id
}

func TestUpsertAndLookupDevice(t *testing.T) {
	s := openTestStore(t)
	id := upsertTestDevice(t, s, testDevice())
	require.NotZero(t, id)

	got, err := s.DeviceByName(context.Background(), "NYC-core-1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "10.1.0.1", got.Host)
	assert.Equal(t, "NYC", got.Site)
	assert.Equal(t, "Cisco", got.Vendor)
	assert.Equal(t, "switch", got.DeviceType)

	// Lookup by host address works too.
	byHost, err := s.DeviceByName(context.Background(), "10.1.0.1")
	require.NoError(t, err)
	assert.Equal(t, id, byHost.ID)
}

func TestDeviceByNameUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DeviceByName(context.Background(), "ghost")
	assert.ErrorIs(t, err, fleeterrors.ErrDeviceUnknown)
}

func TestUpsertDeviceIsStable(t *testing.T) {
	s := openTestStore(t)
	first := upsertTestDevice(t, s, testDevice())
	second := upsertTestDevice(t, s, testDevice())
	assert.Equal(t, first, second, "re-fingerprinting must not duplicate the device")

	n, err := s.CountDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertDeviceKeepsValuesOnEmptyUpdate(t *testing.T) {
	s := openTestStore(t)
	upsertTestDevice(t, s, testDevice())

	sparse := &fingerprint.Device{Hostname: "NYC-core-1"}
	var id int64
	err := s.InTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = UpsertDevice(tx, sparse, "", "", "", time.Time{})
		return err
	})
	require.NoError(t, err)

	got, err := s.DeviceByName(context.Background(), "NYC-core-1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "WS-C2960X-48TS-L", got.Model, "empty model must not clobber")
	assert.Equal(t, "15.2(7)E3", got.Version)
	assert.Equal(t, "NYC", got.Site)
}

func TestReplaceDeviceDetailReplaces(t *testing.T) {
	s := openTestStore(t)
	d := testDevice()
	id := upsertTestDevice(t, s, d)

	// The device loses a stack member; the old serial must go away.
	d.Serials = []string{"FOC0001"}
	d.StackMembers = d.StackMembers[:1]
	d.Components = nil
	upsertTestDevice(t, s, d)

	var serials, members, comps int
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*) FROM device_serials WHERE device_id = ?`, id).Scan(&serials))
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*) FROM stack_members WHERE device_id = ?`, id).Scan(&members))
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*) FROM components WHERE device_id = ?`, id).Scan(&comps))
	assert.Equal(t, 1, serials)
	assert.Equal(t, 1, members)
	assert.Equal(t, 0, comps)
}

func TestDeviceFlagsRecomputed(t *testing.T) {
	s := openTestStore(t)
	d := testDevice()
	id := upsertTestDevice(t, s, d)
	ctx := context.Background()

	got, err := s.DeviceByName(ctx, "NYC-core-1")
	require.NoError(t, err)
	assert.True(t, got.HaveSN)
	assert.True(t, got.IsStack)
	assert.Equal(t, 2, got.StackCount)

	var primaries, masters int
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*) FROM device_serials WHERE device_id = ? AND is_primary = 1`, id).Scan(&primaries))
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*) FROM stack_members WHERE device_id = ? AND is_master = 1`, id).Scan(&masters))
	assert.Equal(t, 1, primaries, "exactly one primary serial")
	assert.Equal(t, 1, masters, "exactly one stack master")

	var primary string
	require.NoError(t, s.reader.QueryRow(
		`SELECT serial FROM device_serials WHERE device_id = ? AND is_primary = 1`, id).Scan(&primary))
	assert.Equal(t, "FOC0001", primary, "first serial is the primary")

	// A standalone re-fingerprint clears the stack flags.
	d.Serials = []string{"FOC0001"}
	d.StackMembers = nil
	upsertTestDevice(t, s, d)

	got, err = s.DeviceByName(ctx, "NYC-core-1")
	require.NoError(t, err)
	assert.True(t, got.HaveSN)
	assert.False(t, got.IsStack)
	assert.Zero(t, got.StackCount)

	// No serials at all clears have_sn.
	d.Serials = nil
	upsertTestDevice(t, s, d)
	got, err = s.DeviceByName(ctx, "NYC-core-1")
	require.NoError(t, err)
	assert.False(t, got.HaveSN)
}

func TestCaptureRotation(t *testing.T) {
	s := openTestStore(t)
	id := upsertTestDevice(t, s, testDevice())
	ctx := context.Background()

	// No capture yet.
	cur, err := s.CurrentCapture(ctx, id, capture.TypeConfigs)
	require.NoError(t, err)
	assert.Nil(t, cur)

	first := CaptureRow{
		DeviceID: id, Type: capture.TypeConfigs, FilePath: "/captures/configs/a.txt",
		ContentHash: "hash-a", SizeBytes: 100, CapturedAt: time.Now().Add(-time.Hour),
		Content: "hostname a\n", LineCount: 1, Success: true,
	}
	require.NoError(t, s.RotateCapture(ctx, nil, first, nil))

	cur, err = s.CurrentCapture(ctx, id, capture.TypeConfigs)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "hash-a", cur.ContentHash)
	assert.Equal(t, "hostname a\n", cur.Content)
	assert.Equal(t, 1, cur.LineCount)
	assert.True(t, cur.Success)

	// Rotate to a new capture with a change row.
	second := CaptureRow{
		DeviceID: id, Type: capture.TypeConfigs, FilePath: "/captures/configs/b.txt",
		ContentHash: "hash-b", SizeBytes: 120, CapturedAt: time.Now(),
		Content: "hostname b\n", LineCount: 1, Success: true,
	}
	change := &Change{Severity: "moderate", LinesAdded: 3, LinesRemoved: 1, PrevHash: "hash-a", NewHash: "hash-b"}
	require.NoError(t, s.RotateCapture(ctx, cur, second, change))

	cur, err = s.CurrentCapture(ctx, id, capture.TypeConfigs)
	require.NoError(t, err)
	assert.Equal(t, "hash-b", cur.ContentHash)
	assert.Equal(t, "hostname b\n", cur.Content)

	// The prior content survives in the archive.
	var archived int
	var archivedContent string
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*), MAX(content) FROM captures_archive WHERE device_id = ?`, id).Scan(&archived, &archivedContent))
	assert.Equal(t, 1, archived)
	assert.Equal(t, "hostname a\n", archivedContent)

	chgs, err := s.RecentChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, chgs, 1)
	assert.Equal(t, "moderate", chgs[0].Severity)
	assert.Equal(t, 3, chgs[0].LinesAdded)
}

func TestTouchCapture(t *testing.T) {
	s := openTestStore(t)
	id := upsertTestDevice(t, s, testDevice())
	ctx := context.Background()

	row := CaptureRow{
		DeviceID: id, Type: capture.TypeVersion, FilePath: "/captures/version/a.txt",
		ContentHash: "h", SizeBytes: 10, CapturedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.RotateCapture(ctx, nil, row, nil))

	later := time.Now()
	require.NoError(t, s.TouchCapture(ctx, id, capture.TypeVersion, later))

	cur, err := s.CurrentCapture(ctx, id, capture.TypeVersion)
	require.NoError(t, err)
	assert.WithinDuration(t, later, cur.CapturedAt, time.Second)
	assert.Equal(t, "h", cur.ContentHash)
}

func TestSweepArchive(t *testing.T) {
	s := openTestStore(t)
	id := upsertTestDevice(t, s, testDevice())
	ctx := context.Background()

	old := CaptureRow{
		DeviceID: id, Type: capture.TypeConfigs, FilePath: "old", ContentHash: "old",
		CapturedAt: time.Now().Add(-48 * time.Hour),
	}
	// Archive a row by rotating past it.
	require.NoError(t, s.RotateCapture(ctx, nil, old, nil))
	cur, err := s.CurrentCapture(ctx, id, capture.TypeConfigs)
	require.NoError(t, err)
	next := CaptureRow{DeviceID: id, Type: capture.TypeConfigs, FilePath: "new", ContentHash: "new", CapturedAt: time.Now()}
	require.NoError(t, s.RotateCapture(ctx, cur, next, nil))

	// Nothing old enough yet.
	n, err := s.SweepArchive(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Everything archived before now goes.
	n, err = s.SweepArchive(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddExtraction(t *testing.T) {
	s := openTestStore(t)
	upsertTestDevice(t, s, testDevice())

	err := s.AddExtraction(fingerprint.Extraction{
		Host:        "10.1.0.1",
		CommandText: "show version",
		TemplateID:  "cisco_ios_show_version",
		Score:       20,
		RecordCount: 1,
		Matched:     true,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	var count int
	var deviceID sql.NullInt64
	require.NoError(t, s.reader.QueryRow(
		`SELECT COUNT(*), MAX(device_id) FROM fingerprint_extractions`).Scan(&count, &deviceID))
	assert.Equal(t, 1, count)
	assert.True(t, deviceID.Valid, "extraction links to the known device")
}

func TestViewsExist(t *testing.T) {
	s := openTestStore(t)
	upsertTestDevice(t, s, testDevice())

	for _, view := range []string{"v_device_status", "v_capture_coverage", "v_site_inventory"} {
		rows, err := s.reader.Query("SELECT * FROM " + view)
		require.NoError(t, err, view)
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
	}

	var site string
	var count int
	require.NoError(t, s.reader.QueryRow(
		`SELECT site, device_count FROM v_site_inventory`).Scan(&site, &count))
	assert.Equal(t, "NYC", site)
	assert.Equal(t, 1, count)
}

func TestClassifyErrors(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(errors.New("database is locked (5) (SQLITE_BUSY)")), fleeterrors.ErrStoreBusy)
	assert.ErrorIs(t, classify(errors.New("database disk image is malformed")), fleeterrors.ErrStoreFatal)

	plain := errors.New("some other failure")
	got := classify(plain)
	assert.False(t, errors.Is(got, fleeterrors.ErrStoreBusy))
	assert.False(t, errors.Is(got, fleeterrors.ErrStoreFatal))
}

func TestDeviceCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	id := upsertTestDevice(t, s, testDevice())
	ctx := context.Background()

	row := CaptureRow{DeviceID: id, Type: capture.TypeVersion, FilePath: "f", ContentHash: "h", CapturedAt: time.Now()}
	require.NoError(t, s.RotateCapture(ctx, nil, row, nil))

	_, err := s.writer.Exec(`DELETE FROM devices WHERE id = ?`, id)
	require.NoError(t, err)

	var n int
	require.NoError(t, s.reader.QueryRow(`SELECT COUNT(*) FROM device_serials`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, s.reader.QueryRow(`SELECT COUNT(*) FROM captures_current`).Scan(&n))
	assert.Zero(t, n)
}
