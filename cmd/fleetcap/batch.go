package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opsforge/fleetcap/internal/capture"
	"github.com/opsforge/fleetcap/internal/fingerprint"
	"github.com/opsforge/fleetcap/internal/inventory"
	"github.com/opsforge/fleetcap/internal/runner"
	"github.com/opsforge/fleetcap/internal/scheduler"
	"github.com/opsforge/fleetcap/internal/templates"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type batchOptions struct {
	inventoryPath   string
	outputRoot      string
	fingerprintRoot string
	journalDir      string
	templateDB      string
	envFile         string
	types           []string
	filterSite      string
	filterVendor    string
	filterName      string
	selection       string
	workers         int
	perDevice       time.Duration
	batchDeadline   time.Duration
	stopOnError     bool
	dryRun          bool
	retryJournal    string
}

func newBatchCmd() *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a concurrent capture batch over the device inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.inventoryPath, "inventory", "", "inventory YAML file (required)")
	f.StringVar(&opts.outputRoot, "output", "captures", "directory for raw capture files")
	f.StringVar(&opts.fingerprintRoot, "fingerprint-root", "fingerprints", "directory for fingerprint artifacts")
	f.StringVar(&opts.journalDir, "journal-dir", "journal", "directory for result and progress journals")
	f.StringVar(&opts.templateDB, "template-db", "", "template database (built-in catalog when empty)")
	f.StringVar(&opts.envFile, "env-file", "", "env file with CRED_<ID>_USER/_PASS/_KEY entries")
	f.StringSliceVar(&opts.types, "types", []string{"version", "inventory", "configs"}, "capture types to run")
	f.StringVar(&opts.filterSite, "filter-site", "", "glob filter on device site")
	f.StringVar(&opts.filterVendor, "filter-vendor", "", "glob filter on device vendor")
	f.StringVar(&opts.filterName, "filter-name", "", "glob filter on device name")
	f.StringVar(&opts.selection, "selection", "all", "device selection (all, fingerprinted, unfingerprinted)")
	f.IntVar(&opts.workers, "workers", scheduler.DefaultWorkers, "concurrent device sessions")
	f.DurationVar(&opts.perDevice, "per-device-timeout", runner.DefaultPerDevice, "time budget per device")
	f.DurationVar(&opts.batchDeadline, "batch-deadline", 0, "overall batch deadline (0 disables)")
	f.BoolVar(&opts.stopOnError, "stop-on-error", false, "cancel the batch on the first device failure")
	f.BoolVar(&opts.dryRun, "dry-run", false, "list the devices the batch would run, without connecting")
	f.StringVar(&opts.retryJournal, "retry-failed", "", "previous results journal; run only its failed devices")
	_ = cmd.MarkFlagRequired("inventory")
	return cmd
}

func runBatch(cmd *cobra.Command, opts *batchOptions) error {
	types, err := parseTypes(opts.types)
	if err != nil {
		return err
	}
	sel := inventory.Selection(opts.selection)
	switch sel {
	case inventory.SelectAll, inventory.SelectFingerprinted, inventory.SelectUnfingerprinted:
	default:
		return fmt.Errorf("unknown selection %q", opts.selection)
	}

	devices, err := inventory.Load(opts.inventoryPath)
	if err != nil {
		return err
	}
	devices = inventory.Filter{
		Site:   opts.filterSite,
		Vendor: opts.filterVendor,
		Name:   opts.filterName,
	}.Apply(devices)
	devices = inventory.BySelection(devices, opts.fingerprintRoot, sel)
	if len(devices) == 0 {
		return fmt.Errorf("no devices match the filters")
	}

	jobs := make([]runner.Job, 0, len(devices))
	for _, d := range devices {
		jobs = append(jobs, runner.Job{Device: d, Types: types})
	}
	if opts.retryJournal != "" {
		prev, err := readJournal(opts.retryJournal)
		if err != nil {
			return err
		}
		jobs = scheduler.Replay(prev, jobs)
		if len(jobs) == 0 {
			log.Info().Msg("Previous run has no failed devices, nothing to do")
			return nil
		}
	}
	if opts.dryRun {
		for _, job := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.Device.Name, job.Device.Host, job.Device.Vendor)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d devices, %d capture types\n", len(jobs), len(types))
		return nil
	}

	creds, err := inventory.LoadCredentials(opts.envFile)
	if err != nil {
		return err
	}

	catalog, err := openCatalog(opts.templateDB)
	if err != nil {
		return err
	}
	engine := fingerprint.NewEngine(catalog, nil)

	r := runner.New(creds, engine, opts.outputRoot, opts.fingerprintRoot)
	sched := scheduler.New(r, scheduler.Config{
		Workers:      opts.workers,
		PerDevice:    opts.perDevice,
		BatchTimeout: opts.batchDeadline,
		StopOnError:  opts.stopOnError,
		JournalDir:   opts.journalDir,
	}, logEvent)

	log.Info().Int("devices", len(jobs)).Int("workers", opts.workers).
		Strs("types", opts.types).Msg("Starting batch")
	res := sched.Run(cmd.Context(), jobs)

	fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d total, %d ok, %d failed, %d canceled (%.1fs)\n",
		res.BatchID, res.Total, res.OK, res.Failed, res.Canceled, res.Elapsed)

	if cmd.Context().Err() != nil && res.Canceled > 0 {
		return cmd.Context().Err()
	}
	if res.Failed > 0 || res.Canceled > 0 {
		return errPartial
	}
	return nil
}

func parseTypes(names []string) ([]capture.Type, error) {
	var out []capture.Type
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			t, ok := capture.Parse(part)
			if !ok {
				return nil, fmt.Errorf("unknown capture type %q", part)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func openCatalog(templateDB string) (*templates.Store, error) {
	if templateDB == "" {
		return templates.NewStore(templates.Builtin()), nil
	}
	return templates.Open(templateDB)
}

func logEvent(ev scheduler.Event) {
	log.Debug().Str("device", ev.Device).Str("stage", ev.Stage).Str("error", ev.Error).Msg("Progress")
}

// readJournal rebuilds a batch result from a results journal file.
func readJournal(path string) (*scheduler.BatchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results journal %s: %w", path, err)
	}
	defer f.Close()

	res := &scheduler.BatchResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r runner.Result
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parse journal line: %w", err)
		}
		res.Results = append(res.Results, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return res, nil
}
