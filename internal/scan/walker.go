// Package scan implements source-tree enumeration and content
// fingerprinting for the backup engine. Enumeration yields every regular
// file, directory, and symlink under a root with the metadata change
// detection needs; fingerprints are SHA-256 content hashes computed lazily
// and in parallel.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/scrypster/syncvault/pkg/types"
)

// WalkFunc receives each enumerated entry. Returning an error stops the walk.
type WalkFunc func(entry *types.SourceEntry) error

// Walk enumerates every filesystem object under root and calls fn for each.
// The walk is deterministic for an unchanged tree: siblings are visited in
// lexical order, so repeated enumerations of the same tree produce the same
// sequence. Symlinks are recorded as their own entries and never followed.
//
// Unreadable entries (permission denied, vanished files) do not abort the
// walk: they are collected as warnings and enumeration continues with the
// remaining siblings. The root entry itself is not reported.
func Walk(root string, exclude []string, fn WalkFunc) ([]types.Warning, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scan: resolve root %s: %w", root, err)
	}

	info, err := os.Lstat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("scan: source root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan: source root %s is not a directory", absRoot)
	}

	var warnings []types.Warning

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Report the unreadable entry and keep going. A failed
			// directory read surfaces here with d != nil; siblings of the
			// failed entry are still visited.
			warnings = append(warnings, types.Warning{Path: path, Message: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if path == absRoot {
			return nil
		}

		if matchesAny(exclude, filepath.Base(path)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		entry, warn := buildEntry(absRoot, path, d)
		if warn != nil {
			warnings = append(warnings, *warn)
			return nil
		}
		if entry == nil {
			// Sockets, devices, fifos: not backed up.
			return nil
		}

		return fn(entry)
	})
	if walkErr != nil {
		return warnings, walkErr
	}

	return warnings, nil
}

// Collect enumerates root into a slice. It is the eager counterpart of Walk
// used by change detection, which needs the full enumeration up front.
func Collect(root string, exclude []string) ([]*types.SourceEntry, []types.Warning, error) {
	var entries []*types.SourceEntry
	warnings, err := Walk(root, exclude, func(entry *types.SourceEntry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, warnings, err
	}
	return entries, warnings, nil
}

// buildEntry converts a visited path into a SourceEntry. It returns a nil
// entry for object kinds the engine does not archive, and a warning when the
// object's metadata cannot be read.
func buildEntry(root, path string, d fs.DirEntry) (*types.SourceEntry, *types.Warning) {
	info, err := d.Info()
	if err != nil {
		return nil, &types.Warning{Path: path, Message: err.Error()}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, &types.Warning{Path: path, Message: err.Error()}
	}

	entry := &types.SourceEntry{
		Path:    path,
		RelPath: filepath.ToSlash(rel),
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, &types.Warning{Path: path, Message: err.Error()}
		}
		entry.Kind = types.KindSymlink
		entry.LinkTarget = target
	case info.IsDir():
		entry.Kind = types.KindDir
	case info.Mode().IsRegular():
		entry.Kind = types.KindFile
		entry.Size = info.Size()
	default:
		return nil, nil
	}

	return entry, nil
}

// matchesAny reports whether name matches any of the exclude glob patterns.
// Patterns apply to base names only, matching the original tool's behavior
// (e.g. "*.tmp", "~*", "Thumbs.db").
func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
