package types

import "errors"

// Exit codes for the CLI entry points. Each error kind maps to a distinct
// non-zero status so automation can tell "baseline missing" from "archive
// unreadable" without parsing log output.
const (
	ExitSuccess          = 0
	ExitGenericError     = 1
	ExitNoBaseline       = 2
	ExitBaselineNotFound = 3
	ExitBrokenChain      = 4
	ExitHistoryCorrupted = 5
	ExitArchiveWrite     = 6
	ExitArchiveUnread    = 7
	ExitDestinationWrite = 8
)

// ExitCodeFor maps an error returned by the engine to its exit code.
// A nil error maps to ExitSuccess.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrNoBaseline):
		return ExitNoBaseline
	case errors.Is(err, ErrBaselineNotFound):
		return ExitBaselineNotFound
	case errors.Is(err, ErrBrokenChain):
		return ExitBrokenChain
	case errors.Is(err, ErrHistoryCorrupted):
		return ExitHistoryCorrupted
	case errors.Is(err, ErrArchiveWrite):
		return ExitArchiveWrite
	case errors.Is(err, ErrArchiveUnreadable):
		return ExitArchiveUnread
	case errors.Is(err, ErrDestinationWrite):
		return ExitDestinationWrite
	default:
		return ExitGenericError
	}
}
