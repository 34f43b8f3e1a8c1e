// Package notify provides cross-process run notification and source-tree
// watching. Completed runs are announced through event files in the
// destination directory so other tools can react without polling the
// history database; watch mode uses filesystem events to trigger backups
// after a quiet period.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event types written by the engine.
const (
	EventBackupCompleted  = "backup_completed"
	EventRestoreCompleted = "restore_completed"
	EventHistoryPruned    = "history_pruned"
)

// Event is the payload written to an event file.
type Event struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	RecordID   int64  `json:"record_id,omitempty"`
	SourceRoot string `json:"source_root,omitempty"`
	Time       int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {destination}/events/.
func NewEventWriter(destination string) *EventWriter {
	return &EventWriter{dir: filepath.Join(destination, "events")}
}

// Notify writes an event file. Safe to call concurrently. Errors are
// returned but not fatal; a failed notification never fails the run.
func (w *EventWriter) Notify(evt Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if evt.Time == 0 {
		evt.Time = time.Now().UnixNano()
	}
	data, _ := json.Marshal(evt)
	filename := fmt.Sprintf("%d-%s-%d.event", evt.Time, evt.Type, evt.RecordID)
	return os.WriteFile(filepath.Join(w.dir, filename), data, 0o600)
}
