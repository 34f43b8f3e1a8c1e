package diff

import (
	"sort"

	"github.com/scrypster/syncvault/pkg/types"
)

// Plan is the file set a backup run will archive, in deterministic order,
// plus the deletion set recorded alongside it.
type Plan struct {
	// Type is the resolved backup type (full or differential).
	Type types.BackupType

	// BaselineID is the record this plan extends. Nil for full backups.
	BaselineID *int64

	// Include lists the entries to archive, sorted by relative path so
	// identical inputs produce byte-comparable archives.
	Include []*types.SourceEntry

	// Deleted lists relative paths removed since the baseline.
	Deleted []string

	// Skipped counts current files left out because they were unchanged.
	Skipped int
}

// PayloadBytes returns the total uncompressed size of the planned file
// content, used for destination free-space preflight.
func (p *Plan) PayloadBytes() int64 {
	var total int64
	for _, entry := range p.Include {
		total += entry.Size
	}
	return total
}

// Empty reports whether the plan includes no entries and deletes no paths.
// An empty differential plan still produces a record: history must reflect
// that a run happened and found nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Include) == 0 && len(p.Deleted) == 0
}

// PlanFull plans a full backup: every enumerated entry is included, there is
// no baseline, and the deletion set is empty.
func PlanFull(current []*types.SourceEntry) *Plan {
	include := make([]*types.SourceEntry, len(current))
	copy(include, current)
	sortEntries(include)
	return &Plan{
		Type:    types.BackupTypeFull,
		Include: include,
	}
}

// PlanDifferential plans a differential backup against the given baseline
// record: the included set is the modified and added entries, the deletion
// set is the paths gone since the baseline.
func PlanDifferential(baselineID int64, changes *Changes) *Plan {
	include := make([]*types.SourceEntry, 0, len(changes.Modified)+len(changes.Added))
	include = append(include, changes.Modified...)
	include = append(include, changes.Added...)
	sortEntries(include)

	deleted := make([]string, len(changes.Deleted))
	copy(deleted, changes.Deleted)
	sort.Strings(deleted)

	id := baselineID
	return &Plan{
		Type:       types.BackupTypeDifferential,
		BaselineID: &id,
		Include:    include,
		Deleted:    deleted,
		Skipped:    len(changes.Unchanged),
	}
}

// sortEntries orders entries by relative path. Parent directories sort
// before their children, which is the order both archive containers and the
// restore executor want.
func sortEntries(entries []*types.SourceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
}
