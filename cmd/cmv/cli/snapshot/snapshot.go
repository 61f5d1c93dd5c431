// Package snapshot implements the content-addressed snapshot store, the
// branching protocol and the portable .cmv archive format.
//
// Layout under the engine home:
//
//	index.json              master index, the single source of truth
//	snapshots/
//	  <snapshot_id>/
//	    meta.json           portable redundant copy of the snapshot record
//	    session/
//	      <source_session_id>.jsonl
//
// The master index is only ever published by atomic rename, and only after
// the on-disk artifacts it references exist.
package snapshot

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy surfaced to the library boundary.
var (
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrSnapshotExists        = errors.New("snapshot already exists")
	ErrBranchNotFound        = errors.New("branch not found")
	ErrBranchExists          = errors.New("branch already exists")
	ErrNoConversationContent = errors.New("snapshot has no conversation content")
	ErrProjectDirNotFound    = errors.New("host project directory not found")
	ErrInvalidArchive        = errors.New("invalid snapshot archive")
)

// IndexVersion is the master index schema version.
const IndexVersion = 1

// ArchiveVersion is the .cmv archive schema version.
const ArchiveVersion = 1

// Branch records a continuation created from a snapshot.
type Branch struct {
	Name            string    `json:"name"`
	ForkedSessionID string    `json:"forked_session_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot is a named, immutable capture of one transcript.
type Snapshot struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Description            string    `json:"description,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	SourceSessionID        string    `json:"source_session_id"`
	SourceProjectPath      string    `json:"source_project_path"`
	SnapshotDir            string    `json:"snapshot_dir"`
	MessageCount           *int      `json:"message_count"`
	Tags                   []string  `json:"tags,omitempty"`
	ParentSnapshot         string    `json:"parent_snapshot,omitempty"`
	SessionActiveAtCapture bool      `json:"session_active_at_capture"`
	Branches               []Branch  `json:"branches,omitempty"`
}

// FindBranch returns the named branch of a snapshot.
func (s *Snapshot) FindBranch(name string) (Branch, bool) {
	for _, b := range s.Branches {
		if b.Name == name {
			return b, true
		}
	}
	return Branch{}, false
}

// Index is the master snapshot index, keyed by snapshot name.
type Index struct {
	Version   int                 `json:"version"`
	Snapshots map[string]Snapshot `json:"snapshots"`
}

// Meta is the portable per-snapshot metadata written to meta.json and
// carried inside .cmv archives.
type Meta struct {
	CmvVersion        int       `json:"cmv_version"`
	SnapshotID        string    `json:"snapshot_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	SourceSessionID   string    `json:"source_session_id"`
	SourceProjectPath string    `json:"source_project_path"`
	Tags              []string  `json:"tags,omitempty"`
	ParentSnapshot    string    `json:"parent_snapshot,omitempty"`
	HostVersion       string    `json:"claude_code_version,omitempty"`
	SessionFileFormat string    `json:"session_file_format"`
}

func metaFor(s *Snapshot) Meta {
	return Meta{
		CmvVersion:        ArchiveVersion,
		SnapshotID:        s.ID,
		Name:              s.Name,
		Description:       s.Description,
		CreatedAt:         s.CreatedAt,
		SourceSessionID:   s.SourceSessionID,
		SourceProjectPath: s.SourceProjectPath,
		Tags:              s.Tags,
		ParentSnapshot:    s.ParentSnapshot,
		SessionFileFormat: "jsonl",
	}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
}
