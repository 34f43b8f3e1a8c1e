// Package types defines the shared data types for the SyncVault backup
// engine: filesystem entries discovered during enumeration, the durable
// backup record and its manifest summaries, and the ephemeral plans and
// results exchanged between the engine components.
package types

import (
	"fmt"
	"io/fs"
	"time"
)

// BackupType declares how a backup run relates to prior history.
type BackupType string

const (
	// BackupTypeFull captures every enumerated entry and starts a new chain.
	BackupTypeFull BackupType = "full"

	// BackupTypeDifferential captures only entries changed or added since
	// its baseline record, plus a deletion set.
	BackupTypeDifferential BackupType = "differential"

	// BackupTypeAuto resolves to full or differential at run time: full when
	// the source root has no history or today is the configured full-backup
	// weekday, differential otherwise.
	BackupTypeAuto BackupType = "auto"
)

// Valid reports whether t is a type that can be stored on a record.
// BackupTypeAuto is a request-time value only and is never persisted.
func (t BackupType) Valid() bool {
	return t == BackupTypeFull || t == BackupTypeDifferential
}

// CompressionFormat selects the archive container for a backup run.
type CompressionFormat string

const (
	// CompressionZip stores the run as a ZIP container with deflate compression.
	CompressionZip CompressionFormat = "zip"

	// CompressionTarGz stores the run as a gzip-compressed TAR stream.
	CompressionTarGz CompressionFormat = "targz"
)

// Valid reports whether f is a supported container format.
func (f CompressionFormat) Valid() bool {
	return f == CompressionZip || f == CompressionTarGz
}

// Extension returns the archive file extension for the format, including
// the leading dot.
func (f CompressionFormat) Extension() string {
	if f == CompressionTarGz {
		return ".tar.gz"
	}
	return ".zip"
}

// EntryKind identifies the kind of filesystem object an entry describes.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "directory"
	KindSymlink EntryKind = "symlink"
)

// SourceEntry is one filesystem object discovered by enumeration. Entries
// are created fresh on every pass and never persisted directly; only the
// summary fields survive into a record's manifest (see PathEntry).
type SourceEntry struct {
	// Path is the absolute path of the object on the source filesystem.
	Path string

	// RelPath is the path relative to the enumerated source root, using
	// forward slashes. It is the identity used for change detection and
	// inside archives.
	RelPath string

	// Kind is the object kind (file, directory, symlink).
	Kind EntryKind

	// Size is the content size in bytes (0 for directories and symlinks).
	Size int64

	// ModTime is the last modification time reported by the filesystem.
	ModTime time.Time

	// Mode holds the permission bits.
	Mode fs.FileMode

	// LinkTarget is the symlink target string (symlinks only).
	LinkTarget string

	// Fingerprint is the hex-encoded SHA-256 of the file content. It is
	// computed lazily: empty until change detection or manifest building
	// needs it.
	Fingerprint string
}

// PathEntry is the persisted summary of one entry included in a backup
// record's archive. It carries everything change detection and restore need
// without re-reading the source tree.
type PathEntry struct {
	Path        string    `json:"path"`                  // relative path, forward slashes
	Kind        EntryKind `json:"kind"`                  // file, directory, symlink
	Fingerprint string    `json:"fingerprint,omitempty"` // SHA-256 hex (files only)
	Size        int64     `json:"size"`                  // content size in bytes
	Mode        uint32    `json:"mode"`                  // permission bits
	ModTimeNs   int64     `json:"mtime_ns"`              // modification time, unix nanoseconds
	LinkTarget  string    `json:"link_target,omitempty"` // symlink target (symlinks only)
}

// Summary converts a SourceEntry into its persisted form.
func (e *SourceEntry) Summary() PathEntry {
	return PathEntry{
		Path:        e.RelPath,
		Kind:        e.Kind,
		Fingerprint: e.Fingerprint,
		Size:        e.Size,
		Mode:        uint32(e.Mode.Perm()),
		ModTimeNs:   e.ModTime.UnixNano(),
		LinkTarget:  e.LinkTarget,
	}
}

// Warning records a non-fatal problem encountered while enumerating a source
// tree (unreadable entry, broken link). Warnings are attached to the
// resulting record instead of aborting the run.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}

// RunStats summarizes the work performed by one backup run.
type RunStats struct {
	// Processed is the number of files written into the archive.
	Processed int `json:"processed"`

	// Skipped is the number of files left out because they were unchanged.
	Skipped int `json:"skipped"`

	// Errors is the number of entries that produced warnings.
	Errors int `json:"errors"`

	// TotalBytes is the uncompressed size of the archived content.
	TotalBytes int64 `json:"total_bytes"`

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration `json:"elapsed"`
}

// BackupRecord is one completed backup run. Records are immutable once
// appended to the history store; they are never mutated, only superseded by
// later records or removed by retention pruning.
type BackupRecord struct {
	// ID is the monotonically increasing record id assigned by the store.
	ID int64 `json:"id"`

	// RunID is a unique identifier for the run that produced this record,
	// shared across the records of a multi-root run.
	RunID string `json:"run_id"`

	// SourceRoot is the absolute path of the backed-up source tree.
	SourceRoot string `json:"source_root"`

	// CreatedAt is when the run completed.
	CreatedAt time.Time `json:"created_at"`

	// Type is full or differential.
	Type BackupType `json:"type"`

	// BaselineID references the record this differential extends. Nil for
	// full backups. The chain of baseline references from any record must
	// terminate at a full record.
	BaselineID *int64 `json:"baseline_id,omitempty"`

	// ArchivePath is the absolute path of the archive produced by this run.
	ArchivePath string `json:"archive_path"`

	// Format is the archive container format.
	Format CompressionFormat `json:"format"`

	// Entries lists the objects included in this run's archive, in archive
	// order.
	Entries []PathEntry `json:"entries"`

	// Deleted lists the relative paths present at the baseline but absent
	// from the source at capture time. Empty for full backups.
	Deleted []string `json:"deleted,omitempty"`

	// Warnings holds non-fatal enumeration problems from the run.
	Warnings []Warning `json:"warnings,omitempty"`

	// Stats summarizes the run.
	Stats RunStats `json:"stats"`
}

// RestorePlan is the ephemeral product of chain resolution: the ancestor
// records to replay, oldest first, and the final set of relative paths to
// remove after the last extraction. It is computed on demand and never
// persisted.
type RestorePlan struct {
	// Records is the ancestor chain ending at the restore target, ordered
	// oldest (the anchoring full record) to newest.
	Records []*BackupRecord

	// Deletions is the set of relative paths that must not exist in the
	// restored tree: paths deleted somewhere along the chain and not
	// re-added by a later record.
	Deletions []string
}

// RestoreFailure describes one path that could not be written during restore.
type RestoreFailure struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// RestoreResult reports the outcome of a restore. On partial failure the
// destination is left in a known state described by RestoredPaths; restore is
// resumable by re-running.
type RestoreResult struct {
	// RecordID is the restore target.
	RecordID int64 `json:"record_id"`

	// RestoredPaths lists the relative paths successfully written, in the
	// order they were extracted.
	RestoredPaths []string `json:"restored_paths"`

	// RemovedPaths lists the relative paths removed by the plan's deletion
	// set.
	RemovedPaths []string `json:"removed_paths,omitempty"`

	// Failures lists paths that could not be written.
	Failures []RestoreFailure `json:"failures,omitempty"`
}
