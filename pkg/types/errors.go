package types

import "errors"

// Error kinds surfaced by the engine. Callers distinguish them with
// errors.Is; the CLI maps each kind to a distinct exit code (see exit_codes.go).
var (
	// ErrNoBaseline indicates a differential backup was requested for a
	// source root with no prior full run. Fatal to the run, does not touch
	// history; run a full backup first.
	ErrNoBaseline = errors.New("no baseline: run a full backup first")

	// ErrBaselineNotFound indicates a record declared a baseline id that is
	// absent from the history store.
	ErrBaselineNotFound = errors.New("baseline record not found")

	// ErrBrokenChain indicates an ancestor referenced by a record's baseline
	// chain is missing from the history store.
	ErrBrokenChain = errors.New("backup chain is broken")

	// ErrHistoryCorrupted indicates the history ledger is unreadable.
	// Recoverable only by operator action (re-run a full backup against a
	// fresh ledger); never silently repaired.
	ErrHistoryCorrupted = errors.New("history store is corrupted")

	// ErrArchiveWrite indicates an I/O failure during archive construction.
	// The temporary file is discarded; no partial archive is left at the
	// final path.
	ErrArchiveWrite = errors.New("archive write failed")

	// ErrArchiveUnreadable indicates restore pre-flight validation could not
	// read an archive in the chain. No destination files are touched.
	ErrArchiveUnreadable = errors.New("archive unreadable")

	// ErrDestinationWrite indicates a write failure partway through restore.
	// The accompanying RestoreResult lists the paths restored so far; the
	// destination is not rolled back.
	ErrDestinationWrite = errors.New("destination write failed")
)
