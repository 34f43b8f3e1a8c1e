package engine

import (
	"fmt"
	"log"
	"os"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/scrypster/syncvault/pkg/types"
)

// freeSpaceHeadroom is extra destination capacity required beyond the raw
// payload size, covering container overhead and the temp-then-rename write.
const freeSpaceHeadroom = 64 << 20

// checkFreeSpace refuses to start an archive write that cannot fit in the
// destination filesystem. Filesystems that do not report usage (some network
// mounts) are let through with a log line rather than blocking the run.
func (e *Engine) checkFreeSpace(payloadBytes int64) error {
	usage, err := disk.Usage(e.opts.Destination)
	if err != nil {
		log.Printf("engine: cannot determine free space for %s: %v", e.opts.Destination, err)
		return nil
	}
	need := uint64(payloadBytes) + freeSpaceHeadroom
	if usage.Free < need {
		return fmt.Errorf("engine: destination %s has %d bytes free, need %d: %w",
			e.opts.Destination, usage.Free, need, types.ErrArchiveWrite)
	}
	return nil
}

// removeArchive deletes an archive file, logging rather than failing when
// the file is already gone or undeletable.
func removeArchive(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("engine: remove archive %s: %v", path, err)
	}
}
