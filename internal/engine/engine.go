// Package engine wires the backup pipeline together: enumeration, change
// detection, planning, archiving, and the history ledger, exposed through
// the RunBackup / RestoreBackup / ListHistory / Prune entry points the CLI
// calls. Each source root runs its own pipeline; roots are independent and
// processed concurrently, with only the ledger append serialized.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/syncvault/internal/archive"
	"github.com/scrypster/syncvault/internal/diff"
	"github.com/scrypster/syncvault/internal/history"
	"github.com/scrypster/syncvault/internal/restore"
	"github.com/scrypster/syncvault/internal/scan"
	"github.com/scrypster/syncvault/pkg/types"
)

// Options configures an Engine. All values are explicit: the engine never
// reads ambient process state, so tests can drive it entirely from temp
// directories.
type Options struct {
	// Destination is the directory archives and the history ledger live in.
	Destination string

	// Format selects the archive container (default: zip).
	Format types.CompressionFormat

	// Exclude lists base-name glob patterns skipped during enumeration.
	Exclude []string

	// MaxWorkers bounds the fingerprint worker pool (0 = automatic).
	MaxWorkers int

	// ThrottleBytesPerSec limits hashing and archive-streaming read
	// bandwidth (0 = unthrottled).
	ThrottleBytesPerSec int64

	// FullBackupDay is the weekday on which BackupTypeAuto resolves to a
	// full backup.
	FullBackupDay time.Weekday
}

// Engine is the backup/restore engine.
type Engine struct {
	store  *history.Store
	opts   Options
	hasher *scan.Hasher
}

// New creates an Engine over the given history store.
func New(store *history.Store, opts Options) (*Engine, error) {
	if opts.Destination == "" {
		return nil, fmt.Errorf("engine: destination is required")
	}
	if opts.Format == "" {
		opts.Format = types.CompressionZip
	}
	if !opts.Format.Valid() {
		return nil, fmt.Errorf("engine: unsupported compression format %q", opts.Format)
	}
	return &Engine{
		store:  store,
		opts:   opts,
		hasher: scan.NewHasher(opts.MaxWorkers, opts.ThrottleBytesPerSec),
	}, nil
}

// RunBackup backs up every source root and returns one record per root.
// Roots are processed concurrently; each produces an independent record and
// archive. When some roots fail, the records of the roots that succeeded are
// still returned alongside the joined error.
func (e *Engine) RunBackup(ctx context.Context, sourceRoots []string, typ types.BackupType) ([]*types.BackupRecord, error) {
	if len(sourceRoots) == 0 {
		return nil, fmt.Errorf("engine: no source roots configured")
	}

	runID := uuid.NewString()

	records := make([]*types.BackupRecord, len(sourceRoots))
	errs := make([]error, len(sourceRoots))

	var wg sync.WaitGroup
	for i, root := range sourceRoots {
		wg.Add(1)
		go func(i int, root string) {
			defer wg.Done()
			records[i], errs[i] = e.backupRoot(ctx, root, typ, runID)
		}(i, root)
	}
	wg.Wait()

	out := records[:0]
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, errors.Join(errs...)
}

// backupRoot runs the full pipeline for one source root.
func (e *Engine) backupRoot(ctx context.Context, root string, typ types.BackupType, runID string) (*types.BackupRecord, error) {
	start := time.Now()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve %s: %w", root, err)
	}

	resolved, err := e.resolveType(ctx, absRoot, typ, start)
	if err != nil {
		return nil, err
	}
	log.Printf("engine: starting %s backup of %s", resolved, absRoot)

	entries, warnings, err := scan.Collect(absRoot, e.opts.Exclude)
	if err != nil {
		return nil, err
	}

	plan, err := e.plan(ctx, absRoot, resolved, entries)
	if err != nil {
		return nil, err
	}

	if err := e.checkFreeSpace(plan.PayloadBytes()); err != nil {
		return nil, err
	}

	warnings = append(warnings, e.hasher.FillFingerprints(ctx, plan.Include)...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder, err := archive.NewBuilder(e.opts.Format, e.opts.ThrottleBytesPerSec)
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(e.opts.Destination, archiveName(absRoot, resolved, start, e.opts.Format))
	built, err := builder.Create(ctx, plan.Include, archivePath)
	if err != nil {
		return nil, err
	}
	// Entries whose source vanished mid-run are left out of the archive and
	// the manifest; the record carries them as warnings.
	warnings = append(warnings, built.Warnings...)

	processed := 0
	manifest := make([]types.PathEntry, len(built.Archived))
	for i, entry := range built.Archived {
		manifest[i] = entry.Summary()
		if entry.Kind == types.KindFile {
			processed++
		}
	}

	rec := &types.BackupRecord{
		RunID:       runID,
		SourceRoot:  absRoot,
		CreatedAt:   start,
		Type:        plan.Type,
		BaselineID:  plan.BaselineID,
		ArchivePath: archivePath,
		Format:      e.opts.Format,
		Entries:     manifest,
		Deleted:     plan.Deleted,
		Warnings:    warnings,
		Stats: types.RunStats{
			Processed:  processed,
			Skipped:    plan.Skipped,
			Errors:     len(warnings),
			TotalBytes: built.TotalBytes,
			Elapsed:    time.Since(start),
		},
	}

	if err := e.store.Append(ctx, rec); err != nil {
		// The archive was renamed into place but the run never became real;
		// drop the file so nothing references it.
		removeArchive(archivePath)
		return nil, err
	}

	log.Printf("engine: %s backup of %s complete: record=%d processed=%d skipped=%d deleted=%d bytes=%d elapsed=%v",
		rec.Type, absRoot, rec.ID, rec.Stats.Processed, rec.Stats.Skipped,
		len(rec.Deleted), rec.Stats.TotalBytes, rec.Stats.Elapsed.Round(time.Millisecond))
	return rec, nil
}

// resolveType turns a requested backup type into full or differential.
// Auto selects full when the root has no history or the run lands on the
// configured full-backup weekday.
func (e *Engine) resolveType(ctx context.Context, absRoot string, typ types.BackupType, now time.Time) (types.BackupType, error) {
	if typ != types.BackupTypeAuto {
		if !typ.Valid() {
			return "", fmt.Errorf("engine: invalid backup type %q", typ)
		}
		return typ, nil
	}

	if now.Weekday() == e.opts.FullBackupDay {
		return types.BackupTypeFull, nil
	}
	_, err := e.store.Latest(ctx, absRoot)
	if errors.Is(err, history.ErrNotFound) {
		return types.BackupTypeFull, nil
	}
	if err != nil {
		return "", err
	}
	return types.BackupTypeDifferential, nil
}

// plan computes the file set to archive. Differential runs diff the current
// enumeration against the effective tree state at the latest record for the
// root, and chain off that record.
func (e *Engine) plan(ctx context.Context, absRoot string, typ types.BackupType, entries []*types.SourceEntry) (*diff.Plan, error) {
	if typ == types.BackupTypeFull {
		return diff.PlanFull(entries), nil
	}

	baseline, err := e.store.Latest(ctx, absRoot)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("engine: differential backup of %s: %w", absRoot, types.ErrNoBaseline)
	}
	if err != nil {
		return nil, err
	}

	state, err := e.store.EffectiveState(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}

	changes, err := diff.Detect(ctx, entries, state, e.hasher)
	if err != nil {
		return nil, err
	}

	plan := diff.PlanDifferential(baseline.ID, changes)
	if plan.Empty() {
		log.Printf("engine: %s unchanged since record %d, recording no-op run", absRoot, baseline.ID)
	}
	return plan, nil
}

// RestoreBackup replays the chain ending at id into destRoot.
func (e *Engine) RestoreBackup(ctx context.Context, id int64, destRoot string) (*types.RestoreResult, error) {
	return restore.NewExecutor(e.store).Restore(ctx, id, destRoot)
}

// ListHistory returns summaries of all completed runs, oldest first.
func (e *Engine) ListHistory(ctx context.Context) ([]*types.BackupRecord, error) {
	return e.store.List(ctx)
}

// Prune applies the retention policy to the ledger and deletes the archive
// files of pruned records. It returns the number of records removed.
func (e *Engine) Prune(ctx context.Context, policy history.RetentionPolicy) (int, error) {
	removed, err := e.store.Prune(ctx, policy)
	if err != nil {
		return 0, err
	}
	for _, path := range removed {
		removeArchive(path)
	}
	if len(removed) > 0 {
		log.Printf("engine: pruned %d record(s)", len(removed))
	}
	return len(removed), nil
}

// archiveName builds the deterministic archive filename for a run:
// source-root identifier, timestamp (microsecond precision, for uniqueness
// within a root), and backup type.
func archiveName(absRoot string, typ types.BackupType, ts time.Time, format types.CompressionFormat) string {
	short := "diff"
	if typ == types.BackupTypeFull {
		short = "full"
	}
	return fmt.Sprintf("syncvault-%s-%s-%s%s",
		rootID(absRoot), ts.Format("20060102-150405.000000"), short, format.Extension())
}

// rootID derives a stable, filename-safe identifier for a source root: its
// base name plus a short hash of the absolute path, so distinct roots with
// the same base name cannot collide in the destination directory.
func rootID(absRoot string) string {
	sum := sha256.Sum256([]byte(absRoot))
	base := sanitizeName(filepath.Base(absRoot))
	return base + "-" + hex.EncodeToString(sum[:4])
}

func sanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
