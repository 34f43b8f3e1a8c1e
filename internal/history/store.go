// Package history implements the durable ledger of completed backup runs.
// The ledger is a SQLite database stored under the backup destination.
// Append is the single point at which a run becomes real: a record is
// inserted only after its archive has been flushed and renamed into place,
// so a crash mid-run leaves the ledger referencing no missing archives.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/syncvault/pkg/types"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("history: record not found")

// chainLimit caps baseline-chain walks. A chain this long means the ledger
// has a reference cycle, which healthy append validation cannot produce.
const chainLimit = 10000

// RetentionPolicy controls pruning. A record survives when it is one of the
// KeepRuns most recent records for its source root or younger than KeepDays,
// or when a surviving record's baseline chain depends on it. Zero values
// disable the corresponding limit; an all-zero policy prunes nothing.
type RetentionPolicy struct {
	// KeepRuns is the number of most recent records to keep per source root.
	KeepRuns int

	// KeepDays retains every record younger than this many days.
	KeepDays int
}

// Store is the history ledger. Appends are serialized by an internal mutex
// so record ids stay monotonic and baseline validation cannot race with a
// concurrent insert.
type Store struct {
	db *sql.DB

	appendMu sync.Mutex
}

// Open opens (creating if necessary) the ledger database at path. An
// existing ledger that cannot be opened or fails the integrity check
// surfaces as ErrHistoryCorrupted; the store never repairs a damaged ledger
// on its own, since silent repair could mask data loss.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %v: %w", path, err, types.ErrHistoryCorrupted)
	}

	// SQLite supports one writer. A single connection serializes writes and
	// avoids SQLITE_BUSY under concurrent per-root backup workers; WAL lets
	// readers proceed while an append is in flight.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %v: %w", pragma, err, types.ErrHistoryCorrupted)
		}
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", check)
		}
		return nil, fmt.Errorf("history: %s: %v: %w", path, err, types.ErrHistoryCorrupted)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %v: %w", err, types.ErrHistoryCorrupted)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append validates and persists a completed run. The record's baseline, if
// declared, must exist and belong to the same source root; a full record
// must not declare one. On success the record's ID field is set to the
// assigned id. Appends are serialized: one in flight at a time.
func (s *Store) Append(ctx context.Context, rec *types.BackupRecord) error {
	if !rec.Type.Valid() {
		return fmt.Errorf("history: invalid record type %q", rec.Type)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin append: %w", err)
	}
	defer tx.Rollback()

	switch rec.Type {
	case types.BackupTypeFull:
		if rec.BaselineID != nil {
			return fmt.Errorf("history: full record must not declare a baseline")
		}
	case types.BackupTypeDifferential:
		if rec.BaselineID == nil {
			return fmt.Errorf("history: differential record %s: %w", rec.SourceRoot, types.ErrBaselineNotFound)
		}
		var baseRoot string
		err := tx.QueryRowContext(ctx, "SELECT source_root FROM backups WHERE id = ?", *rec.BaselineID).Scan(&baseRoot)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("history: baseline %d: %w", *rec.BaselineID, types.ErrBaselineNotFound)
		}
		if err != nil {
			return fmt.Errorf("history: look up baseline %d: %w", *rec.BaselineID, err)
		}
		if baseRoot != rec.SourceRoot {
			return fmt.Errorf("history: baseline %d belongs to %s, not %s: %w",
				*rec.BaselineID, baseRoot, rec.SourceRoot, types.ErrBaselineNotFound)
		}
	}

	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("history: encode warnings: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO backups (run_id, source_root, created_ns, type, baseline_id,
			archive_path, format, warnings, processed, skipped, errors, total_bytes, elapsed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.SourceRoot, rec.CreatedAt.UnixNano(), string(rec.Type), rec.BaselineID,
		rec.ArchivePath, string(rec.Format), string(warnings),
		rec.Stats.Processed, rec.Stats.Skipped, rec.Stats.Errors,
		rec.Stats.TotalBytes, int64(rec.Stats.Elapsed))
	if err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: record id: %w", err)
	}

	entryStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backup_entries (backup_id, position, path, kind, fingerprint, size, mode, mtime_ns, link_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare entries: %w", err)
	}
	defer entryStmt.Close()

	for i, e := range rec.Entries {
		if _, err := entryStmt.ExecContext(ctx, id, i, e.Path, string(e.Kind),
			e.Fingerprint, e.Size, e.Mode, e.ModTimeNs, e.LinkTarget); err != nil {
			return fmt.Errorf("history: insert entry %s: %w", e.Path, err)
		}
	}

	for _, path := range rec.Deleted {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO backup_deletions (backup_id, path) VALUES (?, ?)", id, path); err != nil {
			return fmt.Errorf("history: insert deletion %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit append: %w", err)
	}

	rec.ID = id
	return nil
}

// Get loads a full record, including its manifest entries and deletion set.
// Returns ErrNotFound if no record has the given id.
func (s *Store) Get(ctx context.Context, id int64) (*types.BackupRecord, error) {
	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if err := s.loadDetails(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Latest returns the most recent record for the given source root, without
// manifest entries loaded. Returns ErrNotFound when the root has no history.
func (s *Store) Latest(ctx context.Context, sourceRoot string) (*types.BackupRecord, error) {
	return s.scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+" WHERE source_root = ? ORDER BY id DESC LIMIT 1", sourceRoot))
}

// List returns summaries of every record (no manifest entries), ordered by
// id ascending.
func (s *Store) List(ctx context.Context) ([]*types.BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("history: list: %v: %w", err, types.ErrHistoryCorrupted)
	}
	defer rows.Close()

	var records []*types.BackupRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %v: %w", err, types.ErrHistoryCorrupted)
	}
	return records, nil
}

// ListChain returns the ancestor chain ending at id, ordered oldest first:
// the anchoring full record at index 0, the target record last. A missing
// ancestor fails with ErrBrokenChain.
func (s *Store) ListChain(ctx context.Context, id int64) ([]*types.BackupRecord, error) {
	var chain []*types.BackupRecord

	next := &id
	for depth := 0; next != nil; depth++ {
		if depth >= chainLimit {
			return nil, fmt.Errorf("history: chain at record %d exceeds %d links: %w", id, chainLimit, types.ErrBrokenChain)
		}

		rec, err := s.Get(ctx, *next)
		if errors.Is(err, ErrNotFound) {
			if depth == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("history: record %d references missing ancestor %d: %w",
				chain[len(chain)-1].ID, *next, types.ErrBrokenChain)
		}
		if err != nil {
			return nil, err
		}

		chain = append(chain, rec)
		next = rec.BaselineID
	}

	// The walk collected newest → oldest; the chain contract is oldest first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// EffectiveState reconstructs the full tree state recorded at id by
// replaying its chain: each record's entries upsert paths, each record's
// deletion set removes them. This is what change detection diffs against,
// since a differential record alone carries only the paths it touched.
func (s *Store) EffectiveState(ctx context.Context, id int64) (map[string]types.PathEntry, error) {
	chain, err := s.ListChain(ctx, id)
	if err != nil {
		return nil, err
	}

	state := make(map[string]types.PathEntry)
	for _, rec := range chain {
		for _, entry := range rec.Entries {
			state[entry.Path] = entry
		}
		for _, path := range rec.Deleted {
			delete(state, path)
		}
	}
	return state, nil
}

// Prune removes records that fall outside the retention policy and returns
// the archive paths of the removed records so the caller can delete the
// files. A record referenced, directly or transitively, by a retained
// record's baseline chain is never removed: pruning must not orphan a
// reachable differential.
func (s *Store) Prune(ctx context.Context, policy RetentionPolicy) ([]string, error) {
	if policy.KeepRuns <= 0 && policy.KeepDays <= 0 {
		return nil, nil
	}

	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*types.BackupRecord, len(records))
	perRoot := make(map[string][]*types.BackupRecord)
	for _, rec := range records {
		byID[rec.ID] = rec
		perRoot[rec.SourceRoot] = append(perRoot[rec.SourceRoot], rec)
	}

	cutoff := time.Now().AddDate(0, 0, -policy.KeepDays)
	retained := make(map[int64]bool)
	for _, recs := range perRoot {
		// recs is ordered by id ascending; the newest KeepRuns survive.
		for i, rec := range recs {
			if policy.KeepRuns > 0 && i >= len(recs)-policy.KeepRuns {
				retained[rec.ID] = true
			}
			if policy.KeepDays > 0 && rec.CreatedAt.After(cutoff) {
				retained[rec.ID] = true
			}
		}
	}

	// Everything a retained record's chain depends on must survive too.
	needed := make(map[int64]bool)
	for id := range retained {
		rec := byID[id]
		for rec != nil {
			needed[rec.ID] = true
			if rec.BaselineID == nil {
				break
			}
			rec = byID[*rec.BaselineID]
		}
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("history: begin prune: %w", err)
	}
	defer tx.Rollback()

	// Delete newest first so a pruned differential goes before the pruned
	// baseline it references.
	var removedArchives []string
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if retained[rec.ID] || needed[rec.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", rec.ID); err != nil {
			return nil, fmt.Errorf("history: prune record %d: %w", rec.ID, err)
		}
		removedArchives = append(removedArchives, rec.ArchivePath)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("history: commit prune: %w", err)
	}
	return removedArchives, nil
}

const selectRecord = `
	SELECT id, run_id, source_root, created_ns, type, baseline_id, archive_path,
		format, warnings, processed, skipped, errors, total_bytes, elapsed_ns
	FROM backups`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*types.BackupRecord, error) {
	var (
		rec        types.BackupRecord
		createdNs  int64
		recType    string
		baselineID sql.NullInt64
		format     string
		warnings   string
		elapsedNs  int64
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.SourceRoot, &createdNs, &recType, &baselineID,
		&rec.ArchivePath, &format, &warnings, &rec.Stats.Processed, &rec.Stats.Skipped,
		&rec.Stats.Errors, &rec.Stats.TotalBytes, &elapsedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: read record: %v: %w", err, types.ErrHistoryCorrupted)
	}

	rec.CreatedAt = time.Unix(0, createdNs)
	rec.Type = types.BackupType(recType)
	rec.Format = types.CompressionFormat(format)
	rec.Stats.Elapsed = time.Duration(elapsedNs)
	if baselineID.Valid {
		rec.BaselineID = &baselineID.Int64
	}
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("history: record %d warnings: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
	}
	return &rec, nil
}

// loadDetails fills in a record's manifest entries and deletion set.
func (s *Store) loadDetails(ctx context.Context, rec *types.BackupRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, kind, fingerprint, size, mode, mtime_ns, link_target
		FROM backup_entries WHERE backup_id = ? ORDER BY position ASC`, rec.ID)
	if err != nil {
		return fmt.Errorf("history: record %d entries: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry types.PathEntry
			kind  string
		)
		if err := rows.Scan(&entry.Path, &kind, &entry.Fingerprint, &entry.Size,
			&entry.Mode, &entry.ModTimeNs, &entry.LinkTarget); err != nil {
			return fmt.Errorf("history: record %d entries: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
		}
		entry.Kind = types.EntryKind(kind)
		rec.Entries = append(rec.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("history: record %d entries: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
	}

	delRows, err := s.db.QueryContext(ctx,
		"SELECT path FROM backup_deletions WHERE backup_id = ? ORDER BY path ASC", rec.ID)
	if err != nil {
		return fmt.Errorf("history: record %d deletions: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
	}
	defer delRows.Close()

	for delRows.Next() {
		var path string
		if err := delRows.Scan(&path); err != nil {
			return fmt.Errorf("history: record %d deletions: %v: %w", rec.ID, err, types.ErrHistoryCorrupted)
		}
		rec.Deleted = append(rec.Deleted, path)
	}
	return delRows.Err()
}
