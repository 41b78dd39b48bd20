// Package store implements the Store Adapter (C2): the embedded
// relational store for files, POIs, relationships, evidence, and the
// outbox. Bootstrap (WAL, busy_timeout, synchronous=NORMAL) is
// grounded on theRebelliousNerd-codenerd's local_core.go; the SQL
// writing style (explicit parameterized statements, ON CONFLICT DO
// UPDATE, manual Scan, connection-pool tuning) follows the teacher's
// services/indexer/storage.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codegraph-dev/orchestrator/internal/domain"
)

// Store is the transactional handle onto the embedded database for a
// single orchestrator process.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens the SQLite file at
// path, applies the durability pragmas spec §4.2 requires, and
// bootstraps the schema idempotently.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer serializes SQLite's write path; the busy_timeout
	// pragma below provides the bounded busy-wait for the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS files (
	run_id TEXT NOT NULL,
	path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, path)
);

CREATE TABLE IF NOT EXISTS pois (
	run_id TEXT NOT NULL,
	file TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	description TEXT,
	exported INTEGER NOT NULL DEFAULT 0,
	semantic_id TEXT NOT NULL,
	PRIMARY KEY (run_id, semantic_id),
	UNIQUE (run_id, file, name, kind, start_line)
);
CREATE INDEX IF NOT EXISTS idx_pois_file ON pois(run_id, file);

CREATE TABLE IF NOT EXISTS relationships (
	run_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	from_semantic_id TEXT NOT NULL,
	to_semantic_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'PENDING',
	resolution_level TEXT NOT NULL DEFAULT 'file',
	conflict INTEGER NOT NULL DEFAULT 0,
	ingested INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS relationship_evidence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	score REAL NOT NULL,
	payload BLOB,
	observed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_fingerprint ON relationship_evidence(run_id, fingerprint);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	failure_reason TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_kind ON outbox(status, kind, id);

CREATE TABLE IF NOT EXISTS directory_summaries (
	run_id TEXT NOT NULL,
	path TEXT NOT NULL,
	description TEXT,
	file_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, path)
);

CREATE TABLE IF NOT EXISTS run_stats (
	run_id TEXT PRIMARY KEY,
	jobs_created INTEGER NOT NULL DEFAULT 0,
	jobs_complete INTEGER NOT NULL DEFAULT 0,
	jobs_failed INTEGER NOT NULL DEFAULT 0,
	last_activity DATETIME,
	deadlocked INTEGER NOT NULL DEFAULT 0,
	deadlock_snapshot TEXT NOT NULL DEFAULT ''
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InTransaction runs fn inside a single atomic transaction, grounded
// on the teacher's ON CONFLICT DO UPDATE / explicit-Scan SQL style.
func (s *Store) InTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpsertFile inserts or updates a file's hash/status row. Returns
// true if the file was already present with the same content hash
// (so discovery can skip re-enqueuing it).
func UpsertFile(tx *sql.Tx, f domain.File) (unchanged bool, err error) {
	var existingHash string
	err = tx.QueryRow(`SELECT content_hash FROM files WHERE run_id = ? AND path = ?`, f.RunID, f.Path).Scan(&existingHash)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return false, fmt.Errorf("store: lookup file: %w", err)
	default:
		if existingHash == f.ContentHash {
			return true, nil
		}
	}

	_, err = tx.Exec(`
INSERT INTO files (run_id, path, content_hash, status, size_bytes)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id, path) DO UPDATE SET
	content_hash = excluded.content_hash,
	status = excluded.status,
	size_bytes = excluded.size_bytes
`, f.RunID, f.Path, f.ContentHash, f.Status, f.SizeBytes)
	if err != nil {
		return false, fmt.Errorf("store: upsert file: %w", err)
	}
	return false, nil
}

// UpdateFileStatus advances a file's processing status.
func (s *Store) UpdateFileStatus(ctx context.Context, runID, path string, status domain.FileStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET status = ? WHERE run_id = ? AND path = ?`, status, runID, path)
	return err
}

// BatchInsertPOIs inserts POI rows inside the given transaction; safe
// to call with the same (run, semantic_id) twice (idempotent upsert).
func BatchInsertPOIs(tx *sql.Tx, pois []domain.POI) error {
	stmt, err := tx.Prepare(`
INSERT INTO pois (run_id, file, name, kind, start_line, end_line, description, exported, semantic_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, semantic_id) DO UPDATE SET
	description = excluded.description,
	end_line = excluded.end_line
`)
	if err != nil {
		return fmt.Errorf("store: prepare poi insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pois {
		if _, err := stmt.Exec(p.RunID, p.File, p.Name, p.Kind, p.StartLine, p.EndLine, p.Description, p.Exported, p.SemanticID); err != nil {
			return fmt.Errorf("store: insert poi %s: %w", p.SemanticID, err)
		}
	}
	return nil
}

// BatchInsertEvidence appends relationship evidence rows inside the
// given transaction. Evidence is append-only: no upsert.
func BatchInsertEvidence(tx *sql.Tx, evidence []domain.Evidence) error {
	stmt, err := tx.Prepare(`
INSERT INTO relationship_evidence (run_id, fingerprint, score, payload, observed_at)
VALUES (?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("store: prepare evidence insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range evidence {
		if _, err := stmt.Exec(e.RunID, e.Fingerprint, e.Score, e.Payload, e.ObservedAt); err != nil {
			return fmt.Errorf("store: insert evidence %s: %w", e.Fingerprint, err)
		}
	}
	return nil
}

// EnsureRelationship inserts a PENDING relationship row if one for
// this fingerprint does not already exist, never downgrading an
// existing resolution level or status.
func EnsureRelationship(tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.Exec(`
INSERT INTO relationships (run_id, fingerprint, from_semantic_id, to_semantic_id, kind, resolution_level)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, fingerprint) DO UPDATE SET
	resolution_level = CASE
		WHEN excluded.resolution_level = 'global' THEN 'global'
		WHEN excluded.resolution_level = 'directory' AND relationships.resolution_level != 'global' THEN 'directory'
		ELSE relationships.resolution_level
	END
`, rel.RunID, rel.Fingerprint, rel.FromSemanticID, rel.ToSemanticID, rel.Kind, rel.ResolutionLevel)
	if err != nil {
		return fmt.Errorf("store: ensure relationship %s: %w", rel.Fingerprint, err)
	}
	return nil
}

// EvidenceForFingerprint returns every recorded observation for a
// relationship fingerprint, used by reconciliation (C8).
func (s *Store) EvidenceForFingerprint(ctx context.Context, runID, fingerprint string) ([]domain.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT score, payload, observed_at FROM relationship_evidence
WHERE run_id = ? AND fingerprint = ? ORDER BY id ASC
`, runID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("store: query evidence: %w", err)
	}
	defer rows.Close()

	var out []domain.Evidence
	for rows.Next() {
		var e domain.Evidence
		if err := rows.Scan(&e.Score, &e.Payload, &e.ObservedAt); err != nil {
			return nil, fmt.Errorf("store: scan evidence: %w", err)
		}
		e.RunID, e.Fingerprint = runID, fingerprint
		out = append(out, e)
	}
	return out, rows.Err()
}

// RelationshipStatus returns the current status of a fingerprint, or
// ("", sql.ErrNoRows) if it does not exist — used to enforce
// monotonicity (terminal states are never re-evaluated).
func (s *Store) RelationshipStatus(ctx context.Context, runID, fingerprint string) (domain.RelationshipStatus, error) {
	var status domain.RelationshipStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM relationships WHERE run_id = ? AND fingerprint = ?`, runID, fingerprint).Scan(&status)
	return status, err
}

// UpdateRelationshipsByFingerprint writes the terminal reconciliation
// decision. It only ever updates an existing row (never inserts —
// per the spec's resolved open question on the two worker variants)
// and is a no-op if the row is already terminal.
func (s *Store) UpdateRelationshipsByFingerprint(ctx context.Context, runID, fingerprint string, status domain.RelationshipStatus, confidence float64, conflict bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE relationships SET status = ?, confidence = ?, conflict = ?
WHERE run_id = ? AND fingerprint = ? AND status = 'PENDING'
`, status, confidence, conflict, runID, fingerprint)
	if err != nil {
		return fmt.Errorf("store: update relationship %s: %w", fingerprint, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either unknown fingerprint or already terminal; the latter
		// is expected under concurrent reconciliation and is not an
		// error (monotonicity invariant, spec §8.5).
		return nil
	}
	return nil
}

// InsertOutbox writes an outbox row; callers MUST call this inside
// the same transaction as the business data it describes (spec §4.2
// invariant).
func InsertOutbox(tx *sql.Tx, runID string, kind domain.OutboxEventKind, payload []byte) error {
	_, err := tx.Exec(`
INSERT INTO outbox (run_id, kind, payload, status, created_at)
VALUES (?, ?, ?, 'PENDING', ?)
`, runID, kind, payload, time.Now())
	if err != nil {
		return fmt.Errorf("store: insert outbox: %w", err)
	}
	return nil
}

// ClaimOutboxBatch marks up to limit PENDING rows IN_PROGRESS and
// returns them, ordered by id within kind (spec §4.6 ordering rule).
// SQLite's single-writer model makes this equivalent to the
// SELECT...FOR UPDATE pattern other stores would need.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var claimed []domain.OutboxEvent
	err := s.InTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, run_id, kind, payload, created_at FROM outbox
WHERE status = 'PENDING' ORDER BY kind, id ASC LIMIT ?
`, limit)
		if err != nil {
			return fmt.Errorf("store: select outbox batch: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var e domain.OutboxEvent
			if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan outbox row: %w", err)
			}
			e.Status = domain.OutboxInProgress
			claimed = append(claimed, e)
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'IN_PROGRESS' WHERE id = ?`, id); err != nil {
				return fmt.Errorf("store: claim outbox row %d: %w", id, err)
			}
		}
		return nil
	})
	return claimed, err
}

// MarkOutbox finalizes an outbox row as PROCESSED or FAILED.
func (s *Store) MarkOutbox(ctx context.Context, id int64, status domain.OutboxStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = ?, failure_reason = ? WHERE id = ?`, status, reason, id)
	return err
}

// CountPendingOutbox reports PENDING+IN_PROGRESS outbox rows for a
// run — used by the Pipeline Supervisor's quiescence check.
func (s *Store) CountPendingOutbox(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM outbox WHERE run_id = ? AND status IN ('PENDING', 'IN_PROGRESS')
`, runID).Scan(&n)
	return n, err
}

// FindPOIBySemanticID looks up a POI by its stable identifier.
func (s *Store) FindPOIBySemanticID(ctx context.Context, runID, semanticID string) (domain.POI, error) {
	var p domain.POI
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, file, name, kind, start_line, end_line, description, exported, semantic_id
FROM pois WHERE run_id = ? AND semantic_id = ?
`, runID, semanticID).Scan(&p.RunID, &p.File, &p.Name, &p.Kind, &p.StartLine, &p.EndLine, &p.Description, &p.Exported, &p.SemanticID)
	return p, err
}

// FindPOIByName looks up a POI by its raw (file, name) pair — the
// fallback resolution path when a payload carries a name instead of a
// semantic id (spec §4.6).
func (s *Store) FindPOIByName(ctx context.Context, runID, file, name string) (domain.POI, error) {
	var p domain.POI
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, file, name, kind, start_line, end_line, description, exported, semantic_id
FROM pois WHERE run_id = ? AND file = ? AND name = ?
`, runID, file, name).Scan(&p.RunID, &p.File, &p.Name, &p.Kind, &p.StartLine, &p.EndLine, &p.Description, &p.Exported, &p.SemanticID)
	return p, err
}

// AllSemanticIDs returns every semantic id already present for a run,
// used to seed the Semantic Identity Service's collision registry.
func (s *Store) AllSemanticIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT semantic_id FROM pois WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertRunStats applies deltas to a run's counters, creating the row
// if necessary.
func (s *Store) UpsertRunStats(ctx context.Context, runID string, createdDelta, completeDelta, failedDelta int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_stats (run_id, jobs_created, jobs_complete, jobs_failed, last_activity)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
	jobs_created = jobs_created + excluded.jobs_created,
	jobs_complete = jobs_complete + excluded.jobs_complete,
	jobs_failed = jobs_failed + excluded.jobs_failed,
	last_activity = excluded.last_activity
`, runID, createdDelta, completeDelta, failedDelta, time.Now())
	return err
}

// MarkDeadlocked flags a run as deadlocked for the final report,
// persisting the per-queue active job id/age diagnostic snapshot
// alongside it (spec §4.10, scenario §8.5).
func (s *Store) MarkDeadlocked(ctx context.Context, runID string, snapshot string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_stats (run_id, deadlocked, deadlock_snapshot, last_activity) VALUES (?, 1, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET deadlocked = 1, deadlock_snapshot = excluded.deadlock_snapshot, last_activity = excluded.last_activity
`, runID, snapshot, time.Now())
	return err
}

// RunStats loads the current counters for a run.
func (s *Store) RunStats(ctx context.Context, runID string) (domain.RunStats, error) {
	var rs domain.RunStats
	rs.RunID = runID
	var deadlocked int
	err := s.db.QueryRowContext(ctx, `
SELECT jobs_created, jobs_complete, jobs_failed, last_activity, deadlocked, deadlock_snapshot
FROM run_stats WHERE run_id = ?
`, runID).Scan(&rs.JobsCreated, &rs.JobsComplete, &rs.JobsFailed, &rs.LastActivity, &deadlocked, &rs.DeadlockSnapshot)
	if err == sql.ErrNoRows {
		return rs, nil
	}
	rs.Deadlocked = deadlocked != 0
	return rs, err
}

// ClearRun deletes every row belonging to a run, in dependency order.
func (s *Store) ClearRun(ctx context.Context, runID string) error {
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		tables := []string{"relationship_evidence", "relationships", "pois", "outbox", "directory_summaries", "files", "run_stats"}
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), runID); err != nil {
				return fmt.Errorf("store: clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Roundtrip performs the write+read+transaction probe the Health
// Monitor (C12) uses to assert the store is usable.
func (s *Store) Roundtrip(ctx context.Context) error {
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_stats (run_id, last_activity) VALUES ('__healthcheck__', ?)
ON CONFLICT (run_id) DO UPDATE SET last_activity = excluded.last_activity
`, time.Now()); err != nil {
			return err
		}
		var n int
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_stats WHERE run_id = '__healthcheck__'`).Scan(&n)
	})
}

// Ping satisfies the DatabaseHealthCheck-style probe constructor
// pattern from the teacher's infrastructure/service/healthcheck.go.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CountUnprocessedFilesInDirectory reports how many discovered files
// under directory have not yet reached FileStatusProcessed, used by
// the directory-resolution worker to decide whether a directory is
// ready for aggregation.
func (s *Store) CountUnprocessedFilesInDirectory(ctx context.Context, runID, directory string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM files
WHERE run_id = ? AND (path = ? OR path LIKE ?) AND status != ?
`, runID, directory, directory+string(os.PathSeparator)+"%", domain.FileStatusProcessed).Scan(&n)
	return n, err
}

// POIsInDirectory returns every POI belonging to a file under
// directory, used by the relationship-resolution worker to build its
// LLM context.
func (s *Store) POIsInDirectory(ctx context.Context, runID, directory string) ([]domain.POI, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, file, name, kind, start_line, end_line, description, exported, semantic_id
FROM pois WHERE run_id = ? AND (file = ? OR file LIKE ?)
`, runID, directory, directory+string(os.PathSeparator)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: query pois in dir: %w", err)
	}
	defer rows.Close()

	var out []domain.POI
	for rows.Next() {
		var p domain.POI
		if err := rows.Scan(&p.RunID, &p.File, &p.Name, &p.Kind, &p.StartLine, &p.EndLine, &p.Description, &p.Exported, &p.SemanticID); err != nil {
			return nil, fmt.Errorf("store: scan poi: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertDirectorySummary writes a directory_summary row inside tx.
func UpsertDirectorySummary(tx *sql.Tx, d domain.DirectorySummary) error {
	_, err := tx.Exec(`
INSERT INTO directory_summaries (run_id, path, description, file_count)
VALUES (?, ?, ?, ?)
ON CONFLICT (run_id, path) DO UPDATE SET
	description = excluded.description,
	file_count = excluded.file_count
`, d.RunID, d.Path, d.Description, d.FileCount)
	if err != nil {
		return fmt.Errorf("store: upsert directory summary %s: %w", d.Path, err)
	}
	return nil
}

// PendingGraphRelationships returns up to limit VALIDATED relationships
// not yet ingested into the external graph, used by the
// graph-ingestion worker.
func (s *Store) PendingGraphRelationships(ctx context.Context, runID string, limit int) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, fingerprint, from_semantic_id, to_semantic_id, kind, confidence, status, resolution_level, conflict
FROM relationships WHERE run_id = ? AND status = ? AND ingested = 0 LIMIT ?
`, runID, domain.RelValidated, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query pending graph relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		var r domain.Relationship
		var conflict int
		if err := rows.Scan(&r.RunID, &r.Fingerprint, &r.FromSemanticID, &r.ToSemanticID, &r.Kind, &r.Confidence, &r.Status, &r.ResolutionLevel, &conflict); err != nil {
			return nil, fmt.Errorf("store: scan relationship: %w", err)
		}
		r.Conflict = conflict != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountValidatedRelationships reports how many relationships reached
// VALIDATED for a run, for the final report.
func (s *Store) CountValidatedRelationships(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships WHERE run_id = ? AND status = ?`, runID, domain.RelValidated).Scan(&n)
	return n, err
}

// BackfillSemanticID assigns a semantic id to a POI row that was
// written without one, used by the validation worker to repair
// partially-failed file-analysis output.
func (s *Store) BackfillSemanticID(ctx context.Context, runID, file, name, semanticID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pois SET semantic_id = ? WHERE run_id = ? AND file = ? AND name = ? AND semantic_id = ''
`, semanticID, runID, file, name)
	return err
}

// MarkRelationshipsIngested flags fingerprints as written to the
// external graph, so PendingGraphRelationships does not resend them.
func (s *Store) MarkRelationshipsIngested(ctx context.Context, runID string, fingerprints []string) error {
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE relationships SET ingested = 1 WHERE run_id = ? AND fingerprint = ?`)
		if err != nil {
			return fmt.Errorf("store: prepare mark ingested: %w", err)
		}
		defer stmt.Close()
		for _, fp := range fingerprints {
			if _, err := stmt.ExecContext(ctx, runID, fp); err != nil {
				return fmt.Errorf("store: mark ingested %s: %w", fp, err)
			}
		}
		return nil
	})
}
