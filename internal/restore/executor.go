// Package restore reconstructs a directory tree from a backup record's
// archive chain. Replay is oldest-first: the anchoring full archive is
// extracted first, each differential overwrites on top of it, and the plan's
// deletion set is applied last, so the destination ends up byte-identical to
// the source tree at the target record's capture time.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/scrypster/syncvault/internal/archive"
	"github.com/scrypster/syncvault/internal/history"
	"github.com/scrypster/syncvault/pkg/types"
)

// Executor restores backup records from the history store's archives.
type Executor struct {
	store *history.Store
}

// NewExecutor creates an Executor backed by the given history store.
func NewExecutor(store *history.Store) *Executor {
	return &Executor{store: store}
}

// Plan resolves the restore plan for a target record: the ancestor chain to
// replay, oldest first, and the final deletion set. The deletion set is the
// fold of the chain's per-record deletions: a deleted path re-added by a
// later record drops back out of the set, so deleted-then-restored files
// survive the final sweep.
func (e *Executor) Plan(ctx context.Context, id int64) (*types.RestorePlan, error) {
	chain, err := e.store.ListChain(ctx, id)
	if err != nil {
		return nil, err
	}

	gone := make(map[string]bool)
	for _, rec := range chain {
		for _, entry := range rec.Entries {
			delete(gone, entry.Path)
		}
		for _, path := range rec.Deleted {
			gone[path] = true
		}
	}

	deletions := make([]string, 0, len(gone))
	for path := range gone {
		deletions = append(deletions, path)
	}
	sort.Strings(deletions)

	return &types.RestorePlan{Records: chain, Deletions: deletions}, nil
}

// Restore replays the target record's chain into destRoot.
//
// Pre-flight validation reads the headers of every archive in the chain
// before any file is written: a missing or corrupted chain member aborts the
// restore with ErrArchiveUnreadable and an untouched destination. A write
// failure partway through stops the replay and returns the result so far
// alongside ErrDestinationWrite; the destination is left in that known
// partial state and the restore can be resumed by re-running.
func (e *Executor) Restore(ctx context.Context, id int64, destRoot string) (*types.RestoreResult, error) {
	plan, err := e.Plan(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, rec := range plan.Records {
		if err := archive.Validate(rec.ArchivePath, rec.Format); err != nil {
			return nil, fmt.Errorf("restore: record %d: %w", rec.ID, err)
		}
	}

	result := &types.RestoreResult{RecordID: id}

	for _, rec := range plan.Records {
		log.Printf("restore: extracting record %d (%s, %d entries)", rec.ID, rec.Type, len(rec.Entries))
		err := archive.Extract(ctx, rec.ArchivePath, rec.Format, destRoot, func(rel string) {
			result.RestoredPaths = append(result.RestoredPaths, filepath.ToSlash(rel))
		})
		if err != nil {
			var writeErr *archive.WriteError
			if errors.As(err, &writeErr) {
				result.Failures = append(result.Failures, types.RestoreFailure{
					Path:    writeErr.Path,
					Message: writeErr.Err.Error(),
				})
			}
			return result, fmt.Errorf("restore: record %d: %w", rec.ID, err)
		}
	}

	// Deletions run deepest-first so children disappear before their parents.
	for i := len(plan.Deletions) - 1; i >= 0; i-- {
		rel := plan.Deletions[i]
		path := filepath.Join(destRoot, filepath.FromSlash(rel))
		if err := removeIfPresent(path); err != nil {
			result.Failures = append(result.Failures, types.RestoreFailure{Path: rel, Message: err.Error()})
			return result, fmt.Errorf("restore: remove %s: %v: %w", rel, err, types.ErrDestinationWrite)
		}
		result.RemovedPaths = append(result.RemovedPaths, rel)
	}

	return result, nil
}

// removeIfPresent removes the object at path if it exists. Directories are
// removed recursively: a directory in the deletion set means the whole
// subtree was gone at capture time.
func removeIfPresent(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}
