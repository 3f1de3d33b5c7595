// Command fringeline runs the automated reduction chain for a night of raw
// interferometric exposures: catalog the raw directory, organize exposures
// into observation blocks, assign calibrators, drive every block through the
// staged pipeline, and leave behind a run report plus archived products.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/helikon-data/fringeline/internal/artifact"
	"github.com/helikon-data/fringeline/internal/average"
	"github.com/helikon-data/fringeline/internal/blocks"
	"github.com/helikon-data/fringeline/internal/caldb"
	"github.com/helikon-data/fringeline/internal/catalog"
	"github.com/helikon-data/fringeline/internal/config"
	"github.com/helikon-data/fringeline/internal/engine"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/match"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/pipeline"
	"github.com/helikon-data/fringeline/internal/product"
	"github.com/helikon-data/fringeline/internal/report"
	"github.com/helikon-data/fringeline/internal/runstore"
	"github.com/helikon-data/fringeline/internal/version"
)

var (
	configPath  = flag.String("config", "", "JSON config file; FRINGELINE_* environment variables override it")
	rawFlag     = flag.String("raw", "", "Raw exposure directory (overrides config)")
	workFlag    = flag.String("work", "", "Stage product directory (overrides config)")
	workersFlag = flag.Int("workers", 0, "Concurrent block pipelines (overrides config)")
	fluxFlag    = flag.String("flux", "", "Flux mode: incoherent or coherent (overrides config)")
	dryRun      = flag.Bool("dry-run", false, "Use the synthetic reduction engine instead of the recipe binary")
	resumeID    = flag.String("resume", "", "Re-run only the blocks of a previous run that were not usable")
	reportOut   = flag.String("report-out", "", "JSON run report path (default <work>/report-<run-id>.json)")
	importCal   = flag.String("import-cal", "", "Import calibrator diameters from a CSV file or catalog URL, then exit")
	listRuns    = flag.Bool("list-runs", false, "List recorded runs, then exit")
	showRun     = flag.String("show-run", "", "Print the report of a recorded run, then exit")
	verbose     = flag.Bool("v", false, "Verbose per-stage trace output")
	showVersion = flag.Bool("version", false, "Print version, then exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *importCal != "" {
		importCalibrators(ctx, cfg, *importCal)
		return
	}

	store, err := runstore.Open(cfg.GetRunStorePath())
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer store.Close()

	if *listRuns {
		printRuns(ctx, store)
		return
	}
	if *showRun != "" {
		rep, err := store.GetRun(ctx, *showRun)
		if err != nil {
			log.Fatalf("failed to load run: %v", err)
		}
		rep.RenderText(os.Stdout)
		return
	}

	raw := *rawFlag
	if raw == "" {
		raw = cfg.GetRawDir()
	}
	if raw == "" {
		log.Fatal("raw directory is required (-raw or raw_dir in config)")
	}
	work := *workFlag
	if work == "" {
		work = cfg.GetWorkDir()
	}
	mode := *fluxFlag
	if mode == "" {
		mode = cfg.GetFluxMode()
	}
	if mode != "incoherent" && mode != "coherent" {
		log.Fatalf("flux mode must be incoherent or coherent, got %q", mode)
	}
	workers := *workersFlag
	if workers <= 0 {
		workers = cfg.GetWorkers()
	}

	fsys := fsutil.OSFileSystem{}

	cat, err := catalog.Build(fsys, raw)
	if err != nil {
		log.Fatalf("failed to catalog %s: %v", raw, err)
	}
	log.Printf("cataloged %d exposures from %s (%d files skipped)", len(cat.Exposures), raw, len(cat.Skipped))
	if len(cat.Exposures) == 0 {
		log.Fatalf("no usable exposures under %s", raw)
	}

	all := blocks.Organize(cat.Exposures, cfg.GetGapThreshold())
	science, calibrators := blocks.Partition(all)
	log.Printf("organized %d blocks: %d science, %d calibrator", len(all), len(science), len(calibrators))

	// Block IDs are stable for a given raw set, so a resumed run recognizes
	// the blocks the previous run already completed.
	var priorUsable map[string]bool
	if *resumeID != "" {
		prior, err := store.GetRun(ctx, *resumeID)
		if err != nil {
			log.Fatalf("cannot resume: %v", err)
		}
		priorUsable = make(map[string]bool, len(prior.Blocks))
		for _, b := range prior.Blocks {
			if b.Usable {
				priorUsable[b.BlockID] = true
			}
		}
		science = dropUsable(science, priorUsable)
		if len(science) == 0 {
			log.Printf("nothing to resume: every science block of run %s is already usable", *resumeID)
			return
		}
		log.Printf("resuming run %s: %d science blocks to re-run", *resumeID, len(science))
	}

	var calCat caldb.Catalog
	if path := cfg.GetCalDBPath(); path != "" {
		db, err := caldb.Open(path)
		if err != nil {
			log.Fatalf("failed to open calibrator catalog: %v", err)
		}
		defer db.Close()
		calCat = db
	}

	matcher := match.New(match.Config{
		MaxSeparation:  cfg.GetMaxSeparation(),
		TieBreakWindow: cfg.GetTieBreakWindow(),
		DefaultDiameter: obs.Diameter{
			ValueMas: cfg.GetDefaultDiameterMas(),
			ErrMas:   cfg.GetDefaultDiameterErrMas(),
		},
	}, calCat)

	assignments, err := matcher.MatchAll(ctx, science, calibrators)
	if err != nil {
		log.Fatalf("calibrator matching failed: %v", err)
	}
	asgByScience := make(map[string]match.Assignment, len(assignments))
	assigned := make(map[string]bool)
	for _, a := range assignments {
		asgByScience[a.ScienceID] = a
		if !a.Empty() {
			assigned[a.CalibratorID] = true
		}
	}
	if priorUsable != nil {
		calibrators = trimCalibrators(calibrators, assigned, priorUsable)
	}

	engOpts := engine.Options{
		Binary:  cfg.GetEngineBinary(),
		NCores:  cfg.GetEngineCores(),
		MaxIter: cfg.GetEngineMaxIter(),
	}
	var eng engine.Engine
	if *dryRun {
		log.Printf("dry run: using the synthetic reduction engine")
		eng = &engine.MockEngine{}
	} else {
		eng = engine.NewExecEngine(engOpts, fsys)
	}

	seq := pipeline.New(pipeline.Config{
		Workers:      workers,
		StageTimeout: cfg.GetStageTimeout(),
		FluxMode:     product.FluxMode(mode),
		RawDir:       raw,
		CalibDir:     cfg.GetCalibDir(),
		WorkDir:      work,
		Average: average.Params{
			Sigma:           cfg.GetClipSigma(),
			Iterations:      cfg.GetClipIterations(),
			MinContributors: cfg.GetMinContributors(),
		},
	}, eng, calCat, fsys)

	runID := runstore.NewRunID()
	log.Printf("starting run %s: %d blocks, %d workers, %s flux", runID, len(science)+len(calibrators), workers, mode)

	started := time.Now().UTC()
	runs := seq.Run(ctx, science, calibrators, asgByScience)
	finished := time.Now().UTC()

	rep := report.Build(runID, runs, cat.Skipped, started, finished)

	reportPath := *reportOut
	if reportPath == "" {
		reportPath = filepath.Join(work, "report-"+runID+".json")
	}
	if err := rep.WriteJSON(fsys, reportPath); err != nil {
		log.Printf("failed to write report: %v", err)
	} else {
		log.Printf("report written to %s", reportPath)
	}

	// Record the run even when the batch was interrupted, so -resume works.
	if err := store.SaveReport(context.Background(), rep); err != nil {
		log.Printf("failed to record run: %v", err)
	}

	if pub := buildPublisher(ctx, cfg, fsys, engOpts); pub != nil {
		if keys, err := pub.Publish(ctx, runID, runs); err != nil {
			log.Printf("artifact publishing failed: %v", err)
		} else if len(keys) > 0 {
			log.Printf("archived %d artifact objects", len(keys))
		}
	}

	rep.RenderText(os.Stdout)
	if rep.Failed() {
		os.Exit(1)
	}
}

// importCalibrators loads diameter/flux rows into the sqlite calibrator
// catalog, from a local CSV file or a catalog service URL.
func importCalibrators(ctx context.Context, cfg *config.Config, src string) {
	dbPath := cfg.GetCalDBPath()
	if dbPath == "" {
		log.Fatal("caldb_path must be configured to import calibrators")
	}
	db, err := caldb.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open calibrator catalog: %v", err)
	}
	defer db.Close()

	var n int
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		n, err = db.SyncFromURL(ctx, nil, src)
	} else {
		var f *os.File
		f, err = os.Open(src)
		if err != nil {
			log.Fatalf("failed to open %s: %v", src, err)
		}
		defer f.Close()
		n, err = db.ImportCSV(ctx, f)
	}
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	log.Printf("imported %d calibrators into %s", n, dbPath)
}

func printRuns(ctx context.Context, store *runstore.Store) {
	infos, err := store.ListRuns(ctx, 20)
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("no recorded runs")
		return
	}
	fmt.Printf("%-36s  %-19s  %6s  %6s  %s\n", "RUN", "STARTED", "BLOCKS", "USABLE", "STATUS")
	for _, ri := range infos {
		status := "ok"
		if ri.Failed {
			status = "FAILED"
		}
		fmt.Printf("%-36s  %-19s  %6d  %6d  %s\n",
			ri.ID, ri.StartedAt.UTC().Format("2006-01-02 15:04:05"), ri.TotalBlocks, ri.UsableBlocks, status)
	}
}

func dropUsable(in []obs.ObservationBlock, usable map[string]bool) []obs.ObservationBlock {
	var out []obs.ObservationBlock
	for _, b := range in {
		if !usable[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// trimCalibrators keeps the calibrators a resumed batch still needs: those
// assigned to a science block being re-run, plus any that never reached a
// usable state themselves.
func trimCalibrators(cals []obs.ObservationBlock, assigned, usable map[string]bool) []obs.ObservationBlock {
	var out []obs.ObservationBlock
	for _, b := range cals {
		if assigned[b.ID] || !usable[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// buildPublisher picks the artifact destination: the S3 endpoint when
// configured, else the local archive directory, else none.
func buildPublisher(ctx context.Context, cfg *config.Config, fsys fsutil.FileSystem, opts engine.Options) *artifact.Publisher {
	if ep := cfg.GetS3Endpoint(); ep != "" {
		objStore, err := artifact.NewObjectStore(artifact.ObjectConfig{
			Endpoint:  ep,
			AccessKey: cfg.GetS3AccessKey(),
			SecretKey: cfg.GetS3SecretKey(),
			Bucket:    cfg.GetS3Bucket(),
			Region:    cfg.GetS3Region(),
			UseSSL:    cfg.GetS3UseSSL(),
		})
		if err != nil {
			log.Printf("object archival disabled: %v", err)
			return nil
		}
		if err := objStore.EnsureBucket(ctx); err != nil {
			log.Printf("object archival disabled: %v", err)
			return nil
		}
		return artifact.NewPublisher(objStore, fsys, opts)
	}
	if dir := cfg.GetArchiveDir(); dir != "" {
		return artifact.NewPublisher(artifact.NewDirStore(dir, fsys), fsys, opts)
	}
	return nil
}
