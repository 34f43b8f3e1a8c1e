package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	evt := Event{
		Type:       EventBackupCompleted,
		RunID:      "run-abc",
		RecordID:   7,
		SourceRoot: "/home/user/docs",
	}
	if err := w.Notify(evt); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".event" {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, "events", entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("event file is not valid JSON: %v", err)
	}
	if got.Type != EventBackupCompleted || got.RecordID != 7 || got.RunID != "run-abc" {
		t.Errorf("event round-trip mismatch: %+v", got)
	}
	if got.Time == 0 {
		t.Error("expected Notify to stamp the event time")
	}
}

func TestEventWriterDistinctFilesPerEvent(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	for i := int64(1); i <= 3; i++ {
		if err := w.Notify(Event{Type: EventBackupCompleted, RecordID: i}); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 event files, got %d", len(entries))
	}
}

func TestSourceWatcherTriggersAfterQuietPeriod(t *testing.T) {
	root := t.TempDir()

	triggered := make(chan struct{}, 1)
	w := NewSourceWatcher([]string{root}, 100*time.Millisecond, func() {
		select {
		case triggered <- struct{}{}:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-triggered:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for debounced trigger")
	}
}

func TestSourceWatcherCoalescesBursts(t *testing.T) {
	root := t.TempDir()

	triggered := make(chan struct{}, 16)
	w := NewSourceWatcher([]string{root}, 150*time.Millisecond, func() {
		triggered <- struct{}{}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	// A burst of writes inside the debounce window must collapse into a
	// single trigger.
	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "f"+string(rune('a'+i))+".txt")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-triggered:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for debounced trigger")
	}

	select {
	case <-triggered:
		t.Error("burst produced more than one trigger")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestSourceWatcherSeesNewSubdirectories(t *testing.T) {
	root := t.TempDir()

	triggered := make(chan struct{}, 16)
	w := NewSourceWatcher([]string{root}, 100*time.Millisecond, func() {
		triggered <- struct{}{}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	sub := filepath.Join(root, "newdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	select {
	case <-triggered:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for mkdir trigger")
	}

	// A write inside the directory created after Start must also trigger.
	if err := os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	select {
	case <-triggered:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for trigger from new subdirectory")
	}
}

func TestSourceWatcherMissingRoot(t *testing.T) {
	w := NewSourceWatcher([]string{filepath.Join(t.TempDir(), "gone")}, time.Second, func() {})
	if err := w.Start(); err == nil {
		w.Stop()
		t.Fatal("expected Start to fail for a missing root")
	}
}
