// Package session discovers host assistant transcripts across projects and
// reads, refreshes and updates the host's per-project sessions-index.json.
//
// The engine only ever adds index entries when branching and removes entries
// it created itself; existing host transcripts are never modified.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/jsonutil"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

// ErrSessionNotFound reports that no transcript matched an id or prefix.
var ErrSessionNotFound = errors.New("session not found")

// ErrHostCliNotFound reports that the host assistant binary is not resolvable.
var ErrHostCliNotFound = errors.New("host assistant CLI not found")

// AmbiguousSessionError reports that a prefix matched more than one session.
type AmbiguousSessionError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousSessionError) Error() string {
	return fmt.Sprintf("session prefix %q is ambiguous: matches %s", e.Prefix, strings.Join(e.Matches, ", "))
}

// MinPrefixLen is the shortest accepted session id prefix.
const MinPrefixLen = 4

// ActiveWindow is how recently a transcript must have been modified to be
// considered potentially live.
const ActiveWindow = 2 * time.Minute

// Entry mirrors one entry of the host's sessions-index.json.
// Field names follow the host's camelCase schema; fileMtime is milliseconds.
type Entry struct {
	SessionID    string    `json:"sessionId"`
	FullPath     string    `json:"fullPath"`
	FileMtime    int64     `json:"fileMtime"`
	FirstPrompt  string    `json:"firstPrompt"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"messageCount,omitempty"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
	GitBranch    string    `json:"gitBranch,omitempty"`
	ProjectPath  string    `json:"projectPath"`
	IsSidechain  bool      `json:"isSidechain"`
}

// Index mirrors the host's sessions-index.json.
type Index struct {
	Version      int     `json:"version"`
	OriginalPath string  `json:"originalPath,omitempty"`
	Entries      []Entry `json:"entries"`
}

// ReadIndex loads a project's sessions-index.json. A missing file returns an
// empty index, not an error.
func ReadIndex(projectDir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, paths.SessionsIndexFileName)) //nolint:gosec // projectDir comes from layout discovery
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Version: 1}, nil
		}
		return nil, fmt.Errorf("reading sessions index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		// A corrupt host index should not make transcripts undiscoverable.
		return &Index{Version: 1}, nil
	}
	return &idx, nil
}

// writeIndex publishes a project's sessions-index.json atomically.
func writeIndex(projectDir string, idx *Index) error {
	return jsonutil.WriteJSONAtomic(filepath.Join(projectDir, paths.SessionsIndexFileName), idx, 0o600)
}

// Discover lists every transcript under the host's projects root. Entries
// come from each project's index, refreshed against actual file mtimes, plus
// stat-scanned *.jsonl files the index does not know about. Project
// directories are read concurrently; results are ordered newest first.
func Discover() ([]Entry, error) {
	projectsDir, err := paths.ProjectsDir()
	if err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading projects dir: %w", err)
	}

	var (
		mu      sync.Mutex
		entries []Entry
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, 8)

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		projectDir := filepath.Join(projectsDir, dir.Name())
		wg.Add(1)
		sem <- struct{}{}
		go func(encoded, projectDir string) {
			defer wg.Done()
			defer func() { <-sem }()
			found := discoverProject(encoded, projectDir)
			mu.Lock()
			entries = append(entries, found...)
			mu.Unlock()
		}(dir.Name(), projectDir)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Modified.After(entries[j].Modified)
	})
	return entries, nil
}

// discoverProject reads one project directory. Errors are swallowed per
// project: a broken directory should not hide the others.
func discoverProject(encoded, projectDir string) []Entry {
	idx, err := ReadIndex(projectDir)
	if err != nil {
		return nil
	}
	projectPath := paths.DecodeProjectDir(encoded, idx.OriginalPath)

	known := make(map[string]Entry, len(idx.Entries))
	for _, e := range idx.Entries {
		known[e.SessionID] = e
	}

	files, err := os.ReadDir(projectDir)
	if err != nil {
		return nil
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(f.Name(), ".jsonl")
		fullPath := filepath.Join(projectDir, f.Name())
		info, err := f.Info()
		if err != nil {
			continue
		}

		entry, ok := known[sessionID]
		if !ok {
			entry = Entry{
				SessionID:   sessionID,
				ProjectPath: projectPath,
				Created:     info.ModTime(),
			}
		}
		// Refresh stale fields from the file itself.
		entry.FullPath = fullPath
		entry.FileMtime = info.ModTime().UnixMilli()
		entry.Modified = info.ModTime()
		if entry.ProjectPath == "" {
			entry.ProjectPath = projectPath
		}
		entries = append(entries, entry)
	}
	return entries
}

// Find resolves a session by exact id or unique prefix (>= 4 chars).
func Find(idOrPrefix string) (Entry, error) {
	entries, err := Discover()
	if err != nil {
		return Entry{}, err
	}

	for _, e := range entries {
		if e.SessionID == idOrPrefix {
			return e, nil
		}
	}

	if len(idOrPrefix) < MinPrefixLen {
		return Entry{}, fmt.Errorf("%w: %q (prefixes need at least %d characters)", ErrSessionNotFound, idOrPrefix, MinPrefixLen)
	}

	var matches []Entry
	for _, e := range entries {
		if strings.HasPrefix(e.SessionID, idOrPrefix) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %q", ErrSessionNotFound, idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.SessionID
		}
		return Entry{}, &AmbiguousSessionError{Prefix: idOrPrefix, Matches: ids}
	}
}

// Latest returns the most recently modified transcript across all projects.
func Latest() (Entry, error) {
	entries, err := Discover()
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: no transcripts exist", ErrSessionNotFound)
	}
	return entries[0], nil
}

// CountMessages counts user and assistant messages in an entry's transcript.
func CountMessages(e Entry) (users, assistants int, err error) {
	return transcript.CountMessages(e.FullPath)
}

// AppendEntry adds an index entry for a newly materialized transcript.
// Used only when branching; the write is atomic.
func AppendEntry(projectDir string, entry Entry) error {
	idx, err := ReadIndex(projectDir)
	if err != nil {
		return err
	}
	if idx.Version == 0 {
		idx.Version = 1
	}
	idx.Entries = append(idx.Entries, entry)
	return writeIndex(projectDir, idx)
}

// RemoveEntry removes a session's index entry if present. Missing index or
// missing entry are not errors: delete-branch tolerates partial state.
func RemoveEntry(projectDir, sessionID string) error {
	idx, err := ReadIndex(projectDir)
	if err != nil {
		return err
	}
	kept := idx.Entries[:0]
	removed := false
	for _, e := range idx.Entries {
		if e.SessionID == sessionID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return nil
	}
	idx.Entries = kept
	return writeIndex(projectDir, idx)
}
