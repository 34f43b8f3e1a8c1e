// Command syncvault runs differential directory backups: it enumerates the
// configured source roots, archives new and changed files, records each run
// in a history ledger, and can restore any recorded run by replaying its
// baseline chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/scrypster/syncvault/internal/config"
	"github.com/scrypster/syncvault/internal/engine"
	"github.com/scrypster/syncvault/internal/history"
	"github.com/scrypster/syncvault/internal/notify"
	"github.com/scrypster/syncvault/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	sources     = flag.String("sources", "", "Comma-separated source directories (overrides config)")
	destination = flag.String("dest", "", "Destination directory (overrides config)")
	backupType  = flag.String("type", "", "Backup type: full, differential, or auto (overrides config)")
	format      = flag.String("format", "", "Archive format: zip or targz (overrides config)")
	listCmd     = flag.Bool("list", false, "List recorded backup runs and exit")
	restoreID   = flag.Int64("restore", 0, "Restore the backup record with this id and exit")
	restoreDest = flag.String("restore-dest", "", "Directory to restore into (required with -restore)")
	pruneCmd    = flag.Bool("prune", false, "Apply the retention policy and exit")
	watchCmd    = flag.Bool("watch", false, "Watch source directories and back up after changes settle")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Printf("syncvault: %v", err)
		os.Exit(types.ExitCodeFor(err))
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	if cfg.Destination == "" {
		return fmt.Errorf("config: destination directory is required")
	}
	if err := os.MkdirAll(cfg.Destination, 0o755); err != nil {
		return fmt.Errorf("create destination %s: %w: %v", cfg.Destination, types.ErrDestinationWrite, err)
	}

	store, err := history.Open(cfg.ResolvedHistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *listCmd:
		return handleList(ctx, store)
	case *restoreID > 0:
		return handleRestore(ctx, cfg, store, *restoreID, *restoreDest)
	case *pruneCmd:
		return handlePrune(ctx, cfg, store)
	case *watchCmd:
		return runWatch(ctx, cfg, store)
	default:
		return handleBackup(ctx, cfg, store)
	}
}

// applyFlags overrides config values with command-line flags.
func applyFlags(cfg *config.Config) {
	if *sources != "" {
		cfg.Sources = nil
		for _, s := range strings.Split(*sources, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Sources = append(cfg.Sources, s)
			}
		}
	}
	if *destination != "" {
		cfg.Destination = *destination
	}
	if *backupType != "" {
		cfg.BackupType = *backupType
	}
	if *format != "" {
		cfg.Format = *format
	}
}

// newEngine builds the engine from a validated backup configuration.
func newEngine(cfg *config.Config, store *history.Store) (*engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	day, err := cfg.FullBackupWeekday()
	if err != nil {
		return nil, err
	}
	return engine.New(store, engine.Options{
		Destination:         cfg.Destination,
		Format:              types.CompressionFormat(cfg.Format),
		Exclude:             cfg.ExcludePatterns,
		MaxWorkers:          cfg.MaxWorkers,
		ThrottleBytesPerSec: cfg.ThrottleBytesPerSec,
		FullBackupDay:       day,
	})
}

func handleBackup(ctx context.Context, cfg *config.Config, store *history.Store) error {
	eng, err := newEngine(cfg, store)
	if err != nil {
		return err
	}

	records, err := eng.RunBackup(ctx, cfg.Sources, types.BackupType(cfg.BackupType))

	events := notify.NewEventWriter(cfg.Destination)
	for _, rec := range records {
		fmt.Printf("record %d: %s backup of %s (%d files, %d deleted, %.2f MB)\n",
			rec.ID, rec.Type, rec.SourceRoot, rec.Stats.Processed, len(rec.Deleted),
			float64(rec.Stats.TotalBytes)/(1024*1024))
		for _, w := range rec.Warnings {
			fmt.Printf("  warning: %s: %s\n", w.Path, w.Message)
		}
		if nerr := events.Notify(notify.Event{
			Type:       notify.EventBackupCompleted,
			RunID:      rec.RunID,
			RecordID:   rec.ID,
			SourceRoot: rec.SourceRoot,
		}); nerr != nil {
			log.Printf("syncvault: %v", nerr)
		}
	}
	return err
}

func handleList(ctx context.Context, store *history.Store) error {
	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No backups recorded")
		return nil
	}

	for _, rec := range records {
		baseline := "-"
		if rec.BaselineID != nil {
			baseline = fmt.Sprintf("%d", *rec.BaselineID)
		}
		fmt.Printf("%4d  %s  %-12s  baseline=%-4s  files=%-5d  deleted=%-4d  %8.2f MB  %s\n",
			rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.Type, baseline,
			rec.Stats.Processed, len(rec.Deleted),
			float64(rec.Stats.TotalBytes)/(1024*1024), rec.SourceRoot)
	}
	return nil
}

func handleRestore(ctx context.Context, cfg *config.Config, store *history.Store, id int64, dest string) error {
	if dest == "" {
		return fmt.Errorf("-restore requires -restore-dest")
	}

	eng, err := engine.New(store, engine.Options{Destination: cfg.Destination})
	if err != nil {
		return err
	}

	result, err := eng.RestoreBackup(ctx, id, dest)
	if result != nil {
		fmt.Printf("restored record %d into %s: %d path(s) written, %d removed\n",
			result.RecordID, dest, len(result.RestoredPaths), len(result.RemovedPaths))
		for _, f := range result.Failures {
			fmt.Printf("  failed: %s: %s\n", f.Path, f.Message)
		}
	}
	if err != nil {
		return err
	}

	if nerr := (notify.NewEventWriter(cfg.Destination)).Notify(notify.Event{
		Type:     notify.EventRestoreCompleted,
		RecordID: id,
	}); nerr != nil {
		log.Printf("syncvault: %v", nerr)
	}
	return nil
}

func handlePrune(ctx context.Context, cfg *config.Config, store *history.Store) error {
	eng, err := engine.New(store, engine.Options{Destination: cfg.Destination})
	if err != nil {
		return err
	}

	removed, err := eng.Prune(ctx, history.RetentionPolicy{
		KeepRuns: cfg.Retention.KeepRuns,
		KeepDays: cfg.Retention.KeepDays,
	})
	if err != nil {
		return err
	}

	fmt.Printf("pruned %d record(s)\n", removed)
	if removed > 0 {
		if nerr := (notify.NewEventWriter(cfg.Destination)).Notify(notify.Event{
			Type: notify.EventHistoryPruned,
		}); nerr != nil {
			log.Printf("syncvault: %v", nerr)
		}
	}
	return nil
}

// runWatch backs up once, then re-runs whenever the source trees have been
// quiet for the configured debounce interval. Stops on SIGINT/SIGTERM.
func runWatch(ctx context.Context, cfg *config.Config, store *history.Store) error {
	eng, err := newEngine(cfg, store)
	if err != nil {
		return err
	}

	runOnce := func() {
		if _, rerr := eng.RunBackup(ctx, cfg.Sources, types.BackupType(cfg.BackupType)); rerr != nil {
			log.Printf("syncvault: %v", rerr)
		}
	}
	runOnce()

	trigger := make(chan struct{}, 1)
	watcher := notify.NewSourceWatcher(cfg.Sources,
		time.Duration(cfg.Watch.DebounceSeconds)*time.Second,
		func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	log.Println("syncvault: watch mode started, press Ctrl+C to stop")
	for {
		select {
		case <-trigger:
			runOnce()
		case <-ctx.Done():
			log.Println("syncvault: shutting down")
			return nil
		}
	}
}
