package diff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/syncvault/internal/diff"
	"github.com/scrypster/syncvault/pkg/types"
)

// fakeFingerprinter returns canned digests and records which paths were
// hashed, so tests can assert hashing happens only in the inconclusive case.
type fakeFingerprinter struct {
	sums   map[string]string
	err    error
	hashed []string
}

func (f *fakeFingerprinter) Fingerprint(_ context.Context, path string) (string, error) {
	f.hashed = append(f.hashed, path)
	if f.err != nil {
		return "", f.err
	}
	return f.sums[path], nil
}

func fileEntry(rel string, size int64, mod time.Time) *types.SourceEntry {
	return &types.SourceEntry{
		Path:    "/src/" + rel,
		RelPath: rel,
		Kind:    types.KindFile,
		Size:    size,
		ModTime: mod,
		Mode:    0o644,
	}
}

func baselineOf(entries ...*types.SourceEntry) map[string]types.PathEntry {
	out := make(map[string]types.PathEntry, len(entries))
	for _, e := range entries {
		out[e.RelPath] = e.Summary()
	}
	return out
}

func relPaths(entries []*types.SourceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RelPath
	}
	return out
}

func TestDetect_NilBaselineEverythingAdded(t *testing.T) {
	now := time.Now()
	current := []*types.SourceEntry{
		fileEntry("a.txt", 5, now),
		fileEntry("b.txt", 7, now),
	}

	fp := &fakeFingerprinter{}
	changes, err := diff.Detect(context.Background(), current, nil, fp)
	require.NoError(t, err)

	assert.Len(t, changes.Added, 2)
	assert.Empty(t, changes.Modified)
	assert.Empty(t, changes.Unchanged)
	assert.Empty(t, changes.Deleted)
	assert.Empty(t, fp.hashed, "full classification must not hash anything")
}

func TestDetect_UnchangedFileIsNotHashed(t *testing.T) {
	now := time.Now()
	entry := fileEntry("a.txt", 5, now)

	fp := &fakeFingerprinter{}
	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{entry}, baselineOf(entry), fp)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, relPaths(changes.Unchanged))
	assert.Empty(t, fp.hashed)
}

func TestDetect_SizeChangeIsModified(t *testing.T) {
	now := time.Now()
	prev := fileEntry("a.txt", 5, now)
	cur := fileEntry("a.txt", 9, now)

	fp := &fakeFingerprinter{}
	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), fp)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, relPaths(changes.Modified))
	assert.Empty(t, fp.hashed, "a size change needs no content hash")
}

func TestDetect_TimestampSecondChangeIsModified(t *testing.T) {
	now := time.Now()
	prev := fileEntry("a.txt", 5, now)
	cur := fileEntry("a.txt", 5, now.Add(3*time.Second))

	fp := &fakeFingerprinter{}
	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), fp)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, relPaths(changes.Modified))
	assert.Empty(t, fp.hashed)
}

// Same size, timestamps equal at second granularity but differing in the
// sub-second part: only the content fingerprint can decide.
func TestDetect_SubSecondDriftFallsBackToFingerprint(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev := fileEntry("a.txt", 5, base)
	prev.Fingerprint = "aaa"
	cur := fileEntry("a.txt", 5, base.Add(250*time.Millisecond))

	t.Run("matching digest is unchanged", func(t *testing.T) {
		fp := &fakeFingerprinter{sums: map[string]string{"/src/a.txt": "aaa"}}
		changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), fp)
		require.NoError(t, err)

		assert.Equal(t, []string{"a.txt"}, relPaths(changes.Unchanged))
		assert.Equal(t, []string{"/src/a.txt"}, fp.hashed)
	})

	t.Run("differing digest is modified", func(t *testing.T) {
		fp := &fakeFingerprinter{sums: map[string]string{"/src/a.txt": "bbb"}}
		changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), fp)
		require.NoError(t, err)

		assert.Equal(t, []string{"a.txt"}, relPaths(changes.Modified))
	})

	t.Run("hash failure warns and treats as modified", func(t *testing.T) {
		fp := &fakeFingerprinter{err: errors.New("read error")}
		changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), fp)
		require.NoError(t, err)

		assert.Equal(t, []string{"a.txt"}, relPaths(changes.Modified))
		assert.Len(t, changes.Warnings, 1)
	})

	t.Run("missing baseline fingerprint is modified without hashing", func(t *testing.T) {
		bare := fileEntry("a.txt", 5, base)
		fp := &fakeFingerprinter{}
		changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(bare), fp)
		require.NoError(t, err)

		assert.Equal(t, []string{"a.txt"}, relPaths(changes.Modified))
		assert.Empty(t, fp.hashed)
	})
}

func TestDetect_KindChangeIsModified(t *testing.T) {
	now := time.Now()
	prev := fileEntry("a", 5, now)
	cur := &types.SourceEntry{RelPath: "a", Kind: types.KindDir, ModTime: now, Mode: 0o755}

	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{cur}, baselineOf(prev), &fakeFingerprinter{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, relPaths(changes.Modified))
}

func TestDetect_SymlinkComparedByTarget(t *testing.T) {
	now := time.Now()
	prev := &types.SourceEntry{RelPath: "link", Kind: types.KindSymlink, LinkTarget: "a.txt", ModTime: now}
	same := &types.SourceEntry{RelPath: "link", Kind: types.KindSymlink, LinkTarget: "a.txt", ModTime: now.Add(time.Hour)}
	moved := &types.SourceEntry{RelPath: "link", Kind: types.KindSymlink, LinkTarget: "b.txt", ModTime: now}

	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{same}, baselineOf(prev), &fakeFingerprinter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"link"}, relPaths(changes.Unchanged))

	changes, err = diff.Detect(context.Background(), []*types.SourceEntry{moved}, baselineOf(prev), &fakeFingerprinter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"link"}, relPaths(changes.Modified))
}

func TestDetect_DeletedPaths(t *testing.T) {
	now := time.Now()
	kept := fileEntry("kept.txt", 5, now)
	gone := fileEntry("gone.txt", 5, now)

	changes, err := diff.Detect(context.Background(), []*types.SourceEntry{kept}, baselineOf(kept, gone), &fakeFingerprinter{})
	require.NoError(t, err)

	assert.Equal(t, []string{"gone.txt"}, changes.Deleted)
	assert.Equal(t, []string{"kept.txt"}, relPaths(changes.Unchanged))
}

func TestPlanFull_IncludesEverythingSorted(t *testing.T) {
	now := time.Now()
	entries := []*types.SourceEntry{
		fileEntry("b.txt", 1, now),
		fileEntry("a.txt", 2, now),
	}

	plan := diff.PlanFull(entries)

	assert.Equal(t, types.BackupTypeFull, plan.Type)
	assert.Nil(t, plan.BaselineID)
	assert.Equal(t, []string{"a.txt", "b.txt"}, relPaths(plan.Include))
	assert.Empty(t, plan.Deleted)
	assert.Equal(t, int64(3), plan.PayloadBytes())
}

func TestPlanDifferential_SortsAndCounts(t *testing.T) {
	now := time.Now()
	changes := &diff.Changes{
		Unchanged: []*types.SourceEntry{fileEntry("same.txt", 1, now)},
		Modified:  []*types.SourceEntry{fileEntry("m.txt", 2, now)},
		Added:     []*types.SourceEntry{fileEntry("a.txt", 3, now)},
		Deleted:   []string{"z.txt", "d.txt"},
	}

	plan := diff.PlanDifferential(41, changes)

	assert.Equal(t, types.BackupTypeDifferential, plan.Type)
	require.NotNil(t, plan.BaselineID)
	assert.Equal(t, int64(41), *plan.BaselineID)
	assert.Equal(t, []string{"a.txt", "m.txt"}, relPaths(plan.Include))
	assert.Equal(t, []string{"d.txt", "z.txt"}, plan.Deleted)
	assert.Equal(t, 1, plan.Skipped)
	assert.False(t, plan.Empty())
}

func TestPlanDifferential_EmptyPlan(t *testing.T) {
	now := time.Now()
	plan := diff.PlanDifferential(7, &diff.Changes{
		Unchanged: []*types.SourceEntry{fileEntry("same.txt", 1, now)},
	})

	assert.True(t, plan.Empty())
	assert.Equal(t, 1, plan.Skipped)
}
