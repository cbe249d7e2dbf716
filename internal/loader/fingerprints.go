package loader

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/opsforge/fleetcap/internal/metrics"
	"github.com/opsforge/fleetcap/internal/store"
	"github.com/rs/zerolog/log"
)

// IngestFingerprintFile loads one fingerprint artifact: device upsert,
// serial/stack/component replacement, last-fingerprint stamp, all in one
// transaction.
func (l *Loader) IngestFingerprintFile(ctx context.Context, path string) error {
	artifact, err := fingerprint.ReadArtifact(path)
	if err != nil {
		metrics.Get().ObserveIngest("fingerprint", "error")
		return err
	}
	if artifact.Hostname == "" && artifact.Host == "" {
		metrics.Get().ObserveIngest("fingerprint", "skipped")
		return fmt.Errorf("fingerprint %s names no device", path)
	}

	device := l.deviceFromArtifact(artifact)
	site := SiteOf(device.Hostname)

	err = l.retry(ctx, func() error {
		return l.store.InTx(ctx, func(tx *sql.Tx) error {
			id, err := store.UpsertDevice(tx, device, site, "", "", artifact.FingerprintTime)
			if err != nil {
				return err
			}
			return store.ReplaceDeviceDetail(tx, id, device)
		})
	})
	if err != nil {
		metrics.Get().ObserveIngest("fingerprint", "error")
		return err
	}
	metrics.Get().ObserveIngest("fingerprint", "ok")
	log.Info().Str("hostname", device.Hostname).Str("site", site).
		Int("serials", len(device.Serials)).Int("components", len(device.Components)).
		Msg("Ingested fingerprint")
	return nil
}

// deviceFromArtifact rebuilds a normalized device record. When the artifact
// carries raw command outputs the parse engine re-derives structure from
// them; artifact scalar fields fill whatever parsing leaves empty.
func (l *Loader) deviceFromArtifact(a *fingerprint.Artifact) *fingerprint.Device {
	var device *fingerprint.Device
	if l.engine != nil && len(a.CommandOutputs) > 0 {
		var results []*fingerprint.ParseResult
		for command, output := range a.CommandOutputs {
			res, err := l.engine.Parse(a.Host, command, output, a.AdditionalInfo["vendor"])
			if err != nil {
				continue
			}
			results = append(results, res)
		}
		device = fingerprint.DeriveDevice(results, a.DetectedPrompt, a.Host)
	} else {
		device = fingerprint.DeriveDevice(nil, a.DetectedPrompt, a.Host)
	}

	if device.Hostname == "" || device.Hostname == a.Host {
		if a.Hostname != "" {
			device.Hostname = a.Hostname
		}
	}
	if device.Model == "" {
		device.Model = a.Model
	}
	if device.Version == "" {
		device.Version = a.Version
	}
	if len(device.Serials) == 0 && a.SerialNumber != "" {
		for _, s := range strings.Split(a.SerialNumber, ",") {
			if s = strings.TrimSpace(s); s != "" {
				device.Serials = append(device.Serials, s)
			}
		}
	}
	if device.Vendor == "" || device.Vendor == "Unknown" {
		if v := a.AdditionalInfo["vendor"]; v != "" {
			device.Vendor = v
		}
	}
	return device
}

// IngestFingerprintDir loads every .json artifact under root.
func (l *Loader) IngestFingerprintDir(ctx context.Context, root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read fingerprint root %s: %w", root, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := l.IngestFingerprintFile(ctx, path); err != nil {
			if fleeterrors.IsCanceled(err) {
				return loaded, err
			}
			log.Error().Str("path", path).Err(err).Msg("Fingerprint ingest failed")
			continue
		}
		loaded++
	}
	return loaded, nil
}
