package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/syncvault/internal/engine"
	"github.com/scrypster/syncvault/internal/history"
	"github.com/scrypster/syncvault/pkg/types"
)

func newEngine(t *testing.T, opts engine.Options) (*engine.Engine, *history.Store) {
	t.Helper()

	if opts.Destination == "" {
		opts.Destination = t.TempDir()
	}
	store, err := history.Open(filepath.Join(opts.Destination, "syncvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(store, opts)
	require.NoError(t, err)
	return eng, store
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	return src
}

func TestRunBackup_FullRun(t *testing.T) {
	src := writeSource(t)
	eng, store := newEngine(t, engine.Options{})

	records, err := eng.RunBackup(context.Background(), []string{src}, types.BackupTypeFull)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]

	assert.Equal(t, types.BackupTypeFull, rec.Type)
	assert.Nil(t, rec.BaselineID)
	assert.Equal(t, 2, rec.Stats.Processed)
	assert.Equal(t, int64(len("alpha")+len("top")), rec.Stats.TotalBytes)
	assert.NotEmpty(t, rec.RunID)
	assert.FileExists(t, rec.ArchivePath)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 3, "manifest must carry the directory entry too")

	for _, e := range got.Entries {
		if e.Kind == types.KindFile {
			assert.Len(t, e.Fingerprint, 64, "files must be fingerprinted in the manifest")
		}
	}
}

func TestRunBackup_DifferentialCapturesOnlyChanges(t *testing.T) {
	src := writeSource(t)
	eng, _ := newEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "a.txt"), []byte("alpha changed"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(src, "top.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(src, "new.txt"), []byte("fresh"), 0o644))

	records, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]

	assert.Equal(t, types.BackupTypeDifferential, rec.Type)
	require.NotNil(t, rec.BaselineID)

	paths := make([]string, len(rec.Entries))
	for i, e := range rec.Entries {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"docs/a.txt", "new.txt"}, paths)
	assert.Equal(t, []string{"top.txt"}, rec.Deleted)
	assert.Equal(t, 2, rec.Stats.Processed)
	assert.Positive(t, rec.Stats.Skipped, "the unchanged directory entry is skipped")
}

func TestRunBackup_NoOpDifferentialStillRecords(t *testing.T) {
	src := writeSource(t)
	eng, store := newEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)

	records, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Empty(t, records[0].Entries)
	assert.Empty(t, records[0].Deleted)
	assert.Equal(t, 0, records[0].Stats.Processed)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "a run that found nothing to do still lands in history")
}

func TestRunBackup_DifferentialWithoutBaselineFails(t *testing.T) {
	src := writeSource(t)
	eng, _ := newEngine(t, engine.Options{})

	_, err := eng.RunBackup(context.Background(), []string{src}, types.BackupTypeDifferential)
	assert.ErrorIs(t, err, types.ErrNoBaseline)
}

func TestRunBackup_AutoResolution(t *testing.T) {
	src := writeSource(t)
	// Pin the full-backup day away from today so auto stays differential
	// once history exists.
	eng, _ := newEngine(t, engine.Options{
		FullBackupDay: (time.Now().Weekday() + 1) % 7,
	})
	ctx := context.Background()

	records, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeAuto)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.BackupTypeFull, records[0].Type, "first run of a root must be full")

	records, err = eng.RunBackup(ctx, []string{src}, types.BackupTypeAuto)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.BackupTypeDifferential, records[0].Type)
}

func TestRunBackup_AutoPromotesOnFullBackupDay(t *testing.T) {
	src := writeSource(t)
	eng, _ := newEngine(t, engine.Options{
		FullBackupDay: time.Now().Weekday(),
	})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeAuto)
	require.NoError(t, err)

	records, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeAuto)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.BackupTypeFull, records[0].Type)
}

func TestRunBackup_MultiRootSharesRunID(t *testing.T) {
	srcA := writeSource(t)
	srcB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "only.txt"), []byte("b"), 0o644))

	eng, _ := newEngine(t, engine.Options{})
	records, err := eng.RunBackup(context.Background(), []string{srcA, srcB}, types.BackupTypeFull)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, records[0].RunID, records[1].RunID)
	assert.NotEqual(t, records[0].SourceRoot, records[1].SourceRoot)
	assert.NotEqual(t, records[0].ArchivePath, records[1].ArchivePath)
}

func TestRunBackup_PartialFailureKeepsSuccessfulRoots(t *testing.T) {
	src := writeSource(t)
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	eng, _ := newEngine(t, engine.Options{})
	records, err := eng.RunBackup(context.Background(), []string{src, missing}, types.BackupTypeFull)

	require.Error(t, err)
	require.Len(t, records, 1, "the healthy root's record must survive the other root's failure")
	assert.Equal(t, types.BackupTypeFull, records[0].Type)
}

func TestRunBackup_ExcludePatterns(t *testing.T) {
	src := writeSource(t)
	require.NoError(t, os.WriteFile(filepath.Join(src, "junk.tmp"), []byte("x"), 0o644))

	eng, _ := newEngine(t, engine.Options{Exclude: []string{"*.tmp"}})
	records, err := eng.RunBackup(context.Background(), []string{src}, types.BackupTypeFull)
	require.NoError(t, err)
	require.Len(t, records, 1)

	for _, e := range records[0].Entries {
		assert.NotEqual(t, "junk.tmp", e.Path)
	}
}

func TestBackupThenRestore_RoundTrip(t *testing.T) {
	src := writeSource(t)
	eng, _ := newEngine(t, engine.Options{Format: types.CompressionTarGz})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "a.txt"), []byte("alpha v2"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(src, "top.txt")))

	records, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)
	require.Len(t, records, 1)

	dest := t.TempDir()
	result, err := eng.RestoreBackup(ctx, records[0].ID, dest)
	require.NoError(t, err)
	assert.Empty(t, result.Failures)

	data, err := os.ReadFile(filepath.Join(dest, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha v2", string(data))

	_, err = os.Lstat(filepath.Join(dest, "top.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Full capture of "v1", differential after modifying to "v2", differential
// after deleting the file: restoring the middle record yields "v2", restoring
// the last yields an empty tree.
func TestBackupThenRestore_DeletedFileLifecycle(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	eng, _ := newEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	d1, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)
	require.Len(t, d1, 1)
	require.Len(t, d1[0].Entries, 1)
	assert.Empty(t, d1[0].Deleted)

	require.NoError(t, os.Remove(path))
	d2, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)
	require.Len(t, d2, 1)
	assert.Empty(t, d2[0].Entries)
	assert.Equal(t, []string{"a.txt"}, d2[0].Deleted)

	destD1 := t.TempDir()
	_, err = eng.RestoreBackup(ctx, d1[0].ID, destD1)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(destD1, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	destD2 := t.TempDir()
	_, err = eng.RestoreBackup(ctx, d2[0].ID, destD2)
	require.NoError(t, err)
	listing, err := os.ReadDir(destD2)
	require.NoError(t, err)
	assert.Empty(t, listing, "the file deleted before the last run must not reappear")
}

func TestPrune_RemovesArchiveFiles(t *testing.T) {
	src := writeSource(t)
	dest := t.TempDir()
	eng, _ := newEngine(t, engine.Options{Destination: dest})
	ctx := context.Background()

	first, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // distinct archive timestamps
	second, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)

	removed, err := eng.Prune(ctx, history.RetentionPolicy{KeepRuns: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, first[0].ArchivePath)
	assert.FileExists(t, second[0].ArchivePath)
}

func TestListHistory_OrderedByID(t *testing.T) {
	src := writeSource(t)
	eng, _ := newEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := eng.RunBackup(ctx, []string{src}, types.BackupTypeFull)
	require.NoError(t, err)
	_, err = eng.RunBackup(ctx, []string{src}, types.BackupTypeDifferential)
	require.NoError(t, err)

	records, err := eng.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Less(t, records[0].ID, records[1].ID)
}
