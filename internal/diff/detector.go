// Package diff implements change detection between a live source tree and a
// recorded baseline, and planning of the file set a backup run archives.
package diff

import (
	"context"
	"time"

	"github.com/scrypster/syncvault/pkg/types"
)

// Fingerprinter computes a content fingerprint for a file. It is satisfied
// by scan.Hasher; tests substitute a fake to observe when hashing happens.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, path string) (string, error)
}

// Changes is the classification of a source tree against a baseline state:
// every current path lands in exactly one of Unchanged, Modified, or Added,
// and every baseline path absent from the current enumeration lands in
// Deleted.
type Changes struct {
	Unchanged []*types.SourceEntry
	Modified  []*types.SourceEntry
	Added     []*types.SourceEntry

	// Deleted holds relative paths present at the baseline but missing from
	// the current tree.
	Deleted []string

	// Warnings collects files whose fingerprints could not be computed when
	// the size/timestamp comparison was inconclusive. Such files are
	// conservatively classified as modified.
	Warnings []types.Warning
}

// Detect classifies current against baseline. baseline maps relative path to
// the recorded summary of the effective tree state at the baseline record; a
// nil baseline (full backup) classifies everything as added.
//
// The change test is cheap by default: a file is modified when its size
// differs or its timestamp moved by a second or more. Content fingerprints
// are computed only for the inconclusive case where size matches and the
// timestamps agree at second granularity but not exactly, which happens when
// one side was recorded on a filesystem with coarser timestamp resolution.
// Symlinks are compared by target string; directories by permission bits only.
func Detect(ctx context.Context, current []*types.SourceEntry, baseline map[string]types.PathEntry, fp Fingerprinter) (*Changes, error) {
	changes := &Changes{}

	seen := make(map[string]struct{}, len(current))
	for _, entry := range current {
		seen[entry.RelPath] = struct{}{}

		prev, ok := baseline[entry.RelPath]
		if !ok {
			changes.Added = append(changes.Added, entry)
			continue
		}

		modified, err := entryChanged(ctx, entry, prev, fp, changes)
		if err != nil {
			return nil, err
		}
		if modified {
			changes.Modified = append(changes.Modified, entry)
		} else {
			changes.Unchanged = append(changes.Unchanged, entry)
		}
	}

	for path := range baseline {
		if _, ok := seen[path]; !ok {
			changes.Deleted = append(changes.Deleted, path)
		}
	}

	return changes, nil
}

// entryChanged reports whether entry differs from its baseline summary.
func entryChanged(ctx context.Context, entry *types.SourceEntry, prev types.PathEntry, fp Fingerprinter, changes *Changes) (bool, error) {
	if entry.Kind != prev.Kind {
		return true, nil
	}

	switch entry.Kind {
	case types.KindSymlink:
		return entry.LinkTarget != prev.LinkTarget, nil

	case types.KindDir:
		return uint32(entry.Mode.Perm()) != prev.Mode, nil
	}

	if entry.Size != prev.Size {
		return true, nil
	}

	curNs := entry.ModTime.UnixNano()
	if curNs == prev.ModTimeNs {
		return false, nil
	}

	curSec := entry.ModTime.Truncate(time.Second).UnixNano()
	prevSec := time.Unix(0, prev.ModTimeNs).Truncate(time.Second).UnixNano()
	if curSec != prevSec {
		return true, nil
	}

	// Same size, timestamps equal to the second but not to the nanosecond:
	// one side lost sub-second precision. Only the content can decide.
	if prev.Fingerprint == "" {
		return true, nil
	}
	sum, err := fp.Fingerprint(ctx, entry.Path)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		changes.Warnings = append(changes.Warnings, types.Warning{Path: entry.Path, Message: err.Error()})
		return true, nil
	}
	entry.Fingerprint = sum
	return sum != prev.Fingerprint, nil
}
