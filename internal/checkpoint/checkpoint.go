// Package checkpoint implements pre-mutation file snapshotting so tool-driven
// edits can be undone and previewed as a unified diff before approval.
package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/rs/zerolog/log"
)

// Schema creates the backing table. Call once against the shared SQLite
// handle before constructing a Store.
const Schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	existed    INTEGER NOT NULL,
	content    BLOB,
	created    INTEGER NOT NULL,
	PRIMARY KEY (session_id, path)
);
`

// Store snapshots, restores, and diffs files keyed by (session, path).
// One snapshot per (session, path) is kept — the state immediately before
// the session's first mutation of that path.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// New returns a Store backed by db. The caller must have already applied
// Schema to db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Snapshot records the pre-mutation state of path under session, unless a
// snapshot for (session, path) already exists. Nonexistent paths are
// recorded as "deleted" markers so a later creation can be undone. Failures
// are logged and swallowed — undo may be unavailable, but the tool call
// proceeds regardless.
func (s *Store) Snapshot(session, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM checkpoints WHERE session_id = ? AND path = ? LIMIT 1`, session, path,
	).Scan(&exists)
	if err == nil {
		return // already have a snapshot for this (session, path)
	}

	content, statErr := os.ReadFile(path)
	existed := statErr == nil

	_, err = s.db.Exec(
		`INSERT INTO checkpoints (session_id, path, existed, content, created) VALUES (?, ?, ?, ?, strftime('%s','now'))`,
		session, path, boolToInt(existed), content,
	)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("checkpoint: snapshot failed")
	}
}

// Restore writes the session's snapshot for path back to disk, or removes
// the file if it didn't exist at snapshot time. Returns whether a restore
// was actually performed (false if no snapshot exists).
func (s *Store) Restore(session, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existed int
	var content []byte
	err := s.db.QueryRow(
		`SELECT existed, content FROM checkpoints WHERE session_id = ? AND path = ?`, session, path,
	).Scan(&existed, &content)
	if err != nil {
		return false, nil
	}

	if existed == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("restore: remove %s: %w", path, err)
		}
		return true, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return false, fmt.Errorf("restore: write %s: %w", path, err)
	}
	return true, nil
}

// Diff produces a DiffMetadata comparing the session's snapshot for path
// against the file's current on-disk content. If no snapshot exists yet,
// the current content is compared against empty (as if the path were new).
func (s *Store) Diff(session, path string) (*DiffMetadata, error) {
	s.mu.Lock()
	var existed int
	var oldContent []byte
	err := s.db.QueryRow(
		`SELECT existed, content FROM checkpoints WHERE session_id = ? AND path = ?`, session, path,
	).Scan(&existed, &oldContent)
	s.mu.Unlock()

	var old string
	if err == nil && existed != 0 {
		old = string(oldContent)
	}

	current, readErr := os.ReadFile(path)
	var cur string
	if readErr == nil {
		cur = string(current)
	}

	return GenerateDiff(path, old, cur), nil
}

// Cleanup removes all snapshots recorded for session.
func (s *Store) Cleanup(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, session); err != nil {
		log.Warn().Err(err).Str("session", session).Msg("checkpoint: cleanup failed")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- unified diff generation, grounded on yanmxa-gencode's permission/diff.go ---

// DiffLineType classifies one rendered line of a unified diff.
type DiffLineType int

const (
	DiffLineContext DiffLineType = iota
	DiffLineAdded
	DiffLineRemoved
	DiffLineHunk
	DiffLineMetadata
)

// DiffLine is one structured, classified line of a unified diff.
type DiffLine struct {
	Type      DiffLineType
	Content   string
	OldLineNo int
	NewLineNo int
}

// DiffMetadata is the full structured diff result for a file mutation.
type DiffMetadata struct {
	OldContent   string
	NewContent   string
	UnifiedDiff  string
	Lines        []DiffLine
	IsNewFile    bool
	AddedCount   int
	RemovedCount int
}

// GenerateDiff computes a unified diff between old and new content using the
// myers algorithm and classifies it into structured DiffLines.
func GenerateDiff(path, oldContent, newContent string) *DiffMetadata {
	edits := myers.ComputeEdits(span.URIFromPath(path), oldContent, newContent)
	unified := gotextdiff.ToUnified(path, path, oldContent, edits)
	diffStr := fmt.Sprint(unified)

	lines := parseDiffLines(diffStr)
	var added, removed int
	for _, l := range lines {
		switch l.Type {
		case DiffLineAdded:
			added++
		case DiffLineRemoved:
			removed++
		}
	}

	return &DiffMetadata{
		OldContent:   oldContent,
		NewContent:   newContent,
		UnifiedDiff:  diffStr,
		Lines:        lines,
		IsNewFile:    oldContent == "",
		AddedCount:   added,
		RemovedCount: removed,
	}
}
