package main

import (
	"fmt"
	"time"

	"github.com/opsforge/fleetcap/internal/changes"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/opsforge/fleetcap/internal/loader"
	"github.com/opsforge/fleetcap/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newLoadCapturesCmd() *cobra.Command {
	var (
		dbPath      string
		root        string
		diffRoot    string
		watch       bool
		concurrency int
		types       []string
		archiveDays int
	)
	cmd := &cobra.Command{
		Use:   "load-captures",
		Short: "Ingest raw capture files into the capture database",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			l := loader.New(st, changes.NewDetector(diffRoot), nil)
			l.SetConcurrency(concurrency)
			l.SetRetention(time.Duration(archiveDays) * 24 * time.Hour)
			if len(types) > 0 {
				parsed, err := parseTypes(types)
				if err != nil {
					return err
				}
				l.SetTypes(parsed)
			}

			if watch {
				return l.WatchCaptureDir(cmd.Context(), root)
			}
			counts, err := l.IngestCaptureDir(cmd.Context(), root)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested: %d new, %d changed, %d unchanged, %d skipped\n",
				counts[loader.OutcomeNew], counts[loader.OutcomeChanged],
				counts[loader.OutcomeUnchanged], counts[loader.OutcomeSkipped])
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", "fleetcap.db", "capture database file")
	f.StringVar(&root, "root", "captures", "capture root directory (<root>/<type>/<device>.txt)")
	f.StringVar(&diffRoot, "diff-root", "diffs", "directory for change diff artifacts")
	f.BoolVar(&watch, "watch", false, "keep running and ingest files as they appear")
	f.IntVar(&concurrency, "concurrency", loader.DefaultConcurrency, "parallel file readers")
	f.StringSliceVar(&types, "types", nil, "capture types to ingest (all when empty)")
	f.IntVar(&archiveDays, "archive-days", 30, "days to keep archived captures")
	return cmd
}

func newLoadFingerprintsCmd() *cobra.Command {
	var (
		dbPath     string
		root       string
		templateDB string
	)
	cmd := &cobra.Command{
		Use:   "load-fingerprints",
		Short: "Ingest fingerprint artifacts into the capture database",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			catalog, err := openCatalog(templateDB)
			if err != nil {
				return err
			}
			engine := fingerprint.NewEngine(catalog, st)

			l := loader.New(st, nil, engine)
			loaded, err := l.IngestFingerprintDir(cmd.Context(), root)
			if err != nil {
				return err
			}
			total, err := st.CountDevices(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("loaded", loaded).Int("devices", total).Msg("Fingerprint load complete")
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d fingerprints, %d devices known\n", loaded, total)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", "fleetcap.db", "capture database file")
	f.StringVar(&root, "root", "fingerprints", "fingerprint artifact directory")
	f.StringVar(&templateDB, "template-db", "", "template database (built-in catalog when empty)")
	return cmd
}

func newInitDBCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create the capture database schema and reporting views",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "fleetcap.db", "capture database file")
	return cmd
}
