// Package store persists the project ledger, review history, artifacts,
// continuity facts, and the checkpoint audit trail in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"inkwright/internal/knowledge"
	"inkwright/internal/logging"
	"inkwright/internal/story"
	"inkwright/internal/workflow"
)

// LocalStore is the SQLite-backed ledger store. It implements
// workflow.Persister, workflow.CheckpointRecorder, and
// knowledge.FactPersister.
type LocalStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS units (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	revision_count INTEGER NOT NULL DEFAULT 0,
	plan_ref TEXT NOT NULL DEFAULT '',
	content_ref TEXT NOT NULL DEFAULT '',
	review_refs TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reviews (
	id TEXT PRIMARY KEY,
	unit_id INTEGER NOT NULL,
	total INTEGER NOT NULL,
	scores TEXT NOT NULL,
	issues TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reviews_unit ON reviews(unit_id);

CREATE TABLE IF NOT EXISTS artifacts (
	ref TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	unit_id INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS facts (
	entity TEXT NOT NULL,
	attribute TEXT NOT NULL,
	value TEXT NOT NULL,
	source_unit INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (entity, attribute)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	unit_id INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL,
	menu TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS progress (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	archived INTEGER NOT NULL,
	phase TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewLocalStore opens (or creates) the database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreError("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreError("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreError("set synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	logging.Store("store ready at %s", path)
	return s, nil
}

// Close releases the database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// SaveUnit upserts a unit row. Implements workflow.Persister.
func (s *LocalStore) SaveUnit(u *story.NarrativeUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := json.Marshal(u.ReviewRefs)
	if err != nil {
		return fmt.Errorf("marshal review refs: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO units (id, title, status, revision_count, plan_ref, content_ref,
			review_refs, summary, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			revision_count = excluded.revision_count,
			plan_ref = excluded.plan_ref,
			content_ref = excluded.content_ref,
			review_refs = excluded.review_refs,
			summary = excluded.summary,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		u.ID, u.Title, string(u.Status), u.RevisionCount, u.PlanRef, u.ContentRef,
		string(refs), u.Summary, u.LastError, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save unit %d: %w", u.ID, err)
	}
	return nil
}

// LoadUnits returns every persisted unit with its review history, in
// ascending id order.
func (s *LocalStore) LoadUnits() ([]*story.NarrativeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, title, status, revision_count, plan_ref, content_ref,
			review_refs, summary, last_error, created_at, updated_at
		FROM units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	var units []*story.NarrativeUnit
	for rows.Next() {
		var u story.NarrativeUnit
		var status, refs string
		if err := rows.Scan(&u.ID, &u.Title, &status, &u.RevisionCount, &u.PlanRef,
			&u.ContentRef, &refs, &u.Summary, &u.LastError, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Status = story.Status(status)
		if err := json.Unmarshal([]byte(refs), &u.ReviewRefs); err != nil {
			return nil, fmt.Errorf("unit %d review refs: %w", u.ID, err)
		}
		units = append(units, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, u := range units {
		reviews, err := s.loadReviewsLocked(u.ID)
		if err != nil {
			return nil, err
		}
		u.Reviews = reviews
	}
	return units, nil
}

// SaveReview appends a review row. Implements workflow.Persister.
func (s *LocalStore) SaveReview(r *story.ReviewResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores, err := json.Marshal(r.DimensionScores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	issues, err := json.Marshal(r.FlaggedIssues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reviews (id, unit_id, total, scores, issues, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UnitID, r.Total, string(scores), string(issues), r.Summary, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	return nil
}

func (s *LocalStore) loadReviewsLocked(unitID int) ([]*story.ReviewResult, error) {
	rows, err := s.db.Query(`
		SELECT id, unit_id, total, scores, issues, summary, created_at
		FROM reviews WHERE unit_id = ? ORDER BY created_at`, unitID)
	if err != nil {
		return nil, fmt.Errorf("load reviews for unit %d: %w", unitID, err)
	}
	defer rows.Close()

	var out []*story.ReviewResult
	for rows.Next() {
		var r story.ReviewResult
		var scores, issues string
		if err := rows.Scan(&r.ID, &r.UnitID, &r.Total, &scores, &issues,
			&r.Summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.DimensionScores); err != nil {
			return nil, fmt.Errorf("review %s scores: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(issues), &r.FlaggedIssues); err != nil {
			return nil, fmt.Errorf("review %s issues: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveArtifact stores an immutable content blob. Implements
// workflow.Persister.
func (s *LocalStore) SaveArtifact(ref, kind string, unitID int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO artifacts (ref, kind, unit_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ref, kind, unitID, content, time.Now())
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", ref, err)
	}
	return nil
}

// LoadArtifact returns an artifact's content. Implements
// workflow.Persister.
func (s *LocalStore) LoadArtifact(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var content string
	err := s.db.QueryRow(`SELECT content FROM artifacts WHERE ref = ?`, ref).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("artifact %q not found", ref)
	}
	if err != nil {
		return "", fmt.Errorf("load artifact %s: %w", ref, err)
	}
	return content, nil
}

// SaveProgress upserts the single progress row. Implements
// workflow.Persister.
func (s *LocalStore) SaveProgress(archived int, phase story.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO progress (id, archived, phase, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			archived = excluded.archived,
			phase = excluded.phase,
			updated_at = excluded.updated_at`,
		archived, string(phase), time.Now())
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// LoadProgress returns the archived count and phase, or zero values
// when no run has been recorded.
func (s *LocalStore) LoadProgress() (int, story.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var archived int
	var phase string
	err := s.db.QueryRow(`SELECT archived, phase FROM progress WHERE id = 1`).Scan(&archived, &phase)
	if err == sql.ErrNoRows {
		return 0, story.PhaseMacro, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("load progress: %w", err)
	}
	return archived, story.Phase(phase), nil
}

// RecordCheckpoint writes a raised checkpoint to the audit trail.
// Implements workflow.CheckpointRecorder.
func (s *LocalStore) RecordCheckpoint(req workflow.CheckpointRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	menu, err := json.Marshal(req.Menu)
	if err != nil {
		return fmt.Errorf("marshal menu: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, kind, unit_id, summary, menu, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Kind), req.UnitID, req.Summary, string(menu), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", req.ID, err)
	}
	return nil
}

// RecordResolution marks a checkpoint consumed. Implements
// workflow.CheckpointRecorder.
func (s *LocalStore) RecordResolution(res workflow.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE checkpoints SET decision = ?, note = ?, resolved_at = ? WHERE id = ?`,
		string(res.Decision), res.Note, res.ResolvedAt, res.CheckpointID)
	if err != nil {
		return fmt.Errorf("record resolution %s: %w", res.CheckpointID, err)
	}
	return nil
}

// LoadResolution returns the recorded resolution for a checkpoint, if
// one has been submitted out of band.
func (s *LocalStore) LoadResolution(id string) (workflow.Resolution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res workflow.Resolution
	var decision string
	var resolvedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT decision, note, resolved_at FROM checkpoints WHERE id = ?`, id).
		Scan(&decision, &res.Note, &resolvedAt)
	if err == sql.ErrNoRows || (err == nil && decision == "") {
		return workflow.Resolution{}, false, nil
	}
	if err != nil {
		return workflow.Resolution{}, false, fmt.Errorf("load resolution %s: %w", id, err)
	}
	res.CheckpointID = id
	res.Decision = workflow.Decision(decision)
	if resolvedAt.Valid {
		res.ResolvedAt = resolvedAt.Time
	}
	return res, true, nil
}

// PendingCheckpoints lists audit-trail checkpoints with no decision yet.
func (s *LocalStore) PendingCheckpoints() ([]workflow.CheckpointRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, kind, unit_id, summary, menu, created_at
		FROM checkpoints WHERE decision = '' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load pending checkpoints: %w", err)
	}
	defer rows.Close()

	var out []workflow.CheckpointRequest
	for rows.Next() {
		var req workflow.CheckpointRequest
		var kind, menu string
		if err := rows.Scan(&req.ID, &kind, &req.UnitID, &req.Summary, &menu, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		req.Kind = workflow.CheckpointKind(kind)
		if err := json.Unmarshal([]byte(menu), &req.Menu); err != nil {
			return nil, fmt.Errorf("checkpoint %s menu: %w", req.ID, err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// SaveFact upserts a continuity fact. Implements knowledge.FactPersister.
func (s *LocalStore) SaveFact(f knowledge.EntityFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO facts (entity, attribute, value, source_unit, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity, attribute) DO UPDATE SET
			value = excluded.value,
			source_unit = excluded.source_unit,
			updated_at = excluded.updated_at`,
		f.Entity, f.Attribute, f.Value, f.SourceUnit, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save fact %s.%s: %w", f.Entity, f.Attribute, err)
	}
	return nil
}

// LoadFacts returns all continuity facts. Implements
// knowledge.FactPersister.
func (s *LocalStore) LoadFacts() ([]knowledge.EntityFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT entity, attribute, value, source_unit, updated_at
		FROM facts ORDER BY entity, attribute`)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var out []knowledge.EntityFact
	for rows.Next() {
		var f knowledge.EntityFact
		if err := rows.Scan(&f.Entity, &f.Attribute, &f.Value, &f.SourceUnit, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ExportManuscript assembles the archived chapters, in order, into a
// single manuscript text.
func (s *LocalStore) ExportManuscript() (string, error) {
	units, err := s.LoadUnits()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, u := range units {
		if u.Status != story.StatusArchived {
			continue
		}
		content, err := s.LoadArtifact(u.ContentRef)
		if err != nil {
			return "", fmt.Errorf("chapter %d: %w", u.ID, err)
		}
		if u.Title != "" {
			fmt.Fprintf(&sb, "Chapter %d: %s\n\n", u.ID, u.Title)
		} else {
			fmt.Fprintf(&sb, "Chapter %d\n\n", u.ID)
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no archived chapters to export")
	}
	return sb.String(), nil
}
