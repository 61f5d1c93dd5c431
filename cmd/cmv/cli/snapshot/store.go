package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/jsonutil"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/session"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

// InitStore creates the store's directory skeleton and an empty index if
// none exists. Safe to call repeatedly.
func InitStore() error {
	home, err := paths.CmvHome()
	if err != nil {
		return err
	}
	snapshots, err := paths.SnapshotsDir()
	if err != nil {
		return err
	}
	backups, err := paths.AutoBackupsDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{home, snapshots, backups} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}

	indexPath, err := paths.IndexPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return saveIndex(&Index{Version: IndexVersion, Snapshots: map[string]Snapshot{}})
	}
	return nil
}

// loadIndex reads the master index. A missing file yields an empty index.
func loadIndex() (*Index, error) {
	indexPath, err := paths.IndexPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(indexPath) //nolint:gosec // path is under the engine home
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Version: IndexVersion, Snapshots: map[string]Snapshot{}}, nil
		}
		return nil, fmt.Errorf("reading master index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing master index: %w", err)
	}
	if idx.Snapshots == nil {
		idx.Snapshots = map[string]Snapshot{}
	}
	return &idx, nil
}

// saveIndex publishes the master index atomically.
func saveIndex(idx *Index) error {
	indexPath, err := paths.IndexPath()
	if err != nil {
		return err
	}
	return jsonutil.WriteJSONAtomic(indexPath, idx, 0o600)
}

// writeMeta writes the snapshot's portable meta.json.
func writeMeta(s *Snapshot) error {
	dir, err := paths.SnapshotDir(s.SnapshotDir)
	if err != nil {
		return err
	}
	return jsonutil.WriteJSONAtomic(filepath.Join(dir, paths.MetaFileName), metaFor(s), 0o600)
}

// List returns all snapshots sorted by creation time, oldest first.
func List() ([]Snapshot, error) {
	idx, err := loadIndex()
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(idx.Snapshots))
	for _, s := range idx.Snapshots {
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

// Get returns one snapshot by name.
func Get(name string) (*Snapshot, error) {
	idx, err := loadIndex()
	if err != nil {
		return nil, err
	}
	s, ok := idx.Snapshots[name]
	if !ok {
		return nil, notFound(name)
	}
	return &s, nil
}

// CreateOptions are the inputs to Create.
type CreateOptions struct {
	// Name is the user-chosen snapshot name; charset [A-Za-z0-9_-], max 100.
	Name string

	// SessionID selects the source transcript by id or unique prefix.
	// Empty selects the most recently modified transcript anywhere.
	SessionID string

	Description string
	Tags        []string
}

// Create captures a transcript as a new snapshot. Non-fatal conditions
// (live source, empty conversation) come back as warnings.
func Create(opts CreateOptions) (*Snapshot, []string, error) {
	if err := InitStore(); err != nil {
		return nil, nil, err
	}
	if err := paths.ValidateSnapshotName(opts.Name); err != nil {
		return nil, nil, err
	}

	idx, err := loadIndex()
	if err != nil {
		return nil, nil, err
	}
	if _, exists := idx.Snapshots[opts.Name]; exists {
		return nil, nil, fmt.Errorf("%w: %q", ErrSnapshotExists, opts.Name)
	}

	var source session.Entry
	if opts.SessionID == "" {
		source, err = session.Latest()
	} else {
		source, err = session.Find(opts.SessionID)
	}
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if session.IsActive(source) {
		warnings = append(warnings, fmt.Sprintf("session %s looks active; the snapshot may capture a mid-write state", source.SessionID))
	}

	users, assistants, err := transcript.CountMessages(source.FullPath)
	if err != nil {
		return nil, nil, err
	}
	if users+assistants == 0 {
		warnings = append(warnings, "source has no user or assistant messages; branching from this snapshot will fail")
	}
	messageCount := users + assistants

	snap := &Snapshot{
		ID:                     paths.NewSnapshotID(),
		Name:                   opts.Name,
		Description:            opts.Description,
		CreatedAt:              time.Now().UTC(),
		SourceSessionID:        source.SessionID,
		SourceProjectPath:      source.ProjectPath,
		MessageCount:           &messageCount,
		Tags:                   opts.Tags,
		SessionActiveAtCapture: session.IsActive(source),
	}
	snap.SnapshotDir = snap.ID

	sessionPath, err := paths.SnapshotSessionPath(snap.SnapshotDir, snap.SourceSessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := copyFile(source.FullPath, sessionPath); err != nil {
		return nil, nil, err
	}

	// Snapshotting a branched session records lineage: find the snapshot
	// whose branch produced this source transcript.
	for name, s := range idx.Snapshots {
		for _, b := range s.Branches {
			if b.ForkedSessionID == source.SessionID {
				snap.ParentSnapshot = name
			}
		}
	}

	if err := writeMeta(snap); err != nil {
		return nil, nil, err
	}
	idx.Snapshots[snap.Name] = *snap
	if err := saveIndex(idx); err != nil {
		return nil, nil, err
	}
	return snap, warnings, nil
}

// Delete removes a snapshot directory and its index entry. Branch session
// files under the host layout are user-owned and are not cascade-deleted.
func Delete(name string) error {
	idx, err := loadIndex()
	if err != nil {
		return err
	}
	s, ok := idx.Snapshots[name]
	if !ok {
		return notFound(name)
	}

	dir, err := paths.SnapshotDir(s.SnapshotDir)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing snapshot directory: %w", err)
	}

	delete(idx.Snapshots, name)
	return saveIndex(idx)
}

// SessionPath returns a snapshot's stored transcript path.
func (s *Snapshot) SessionPath() (string, error) {
	return paths.SnapshotSessionPath(s.SnapshotDir, s.SourceSessionID)
}

// copyFile copies src to dst byte-for-byte, publishing atomically.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // src is a resolved transcript path
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copying transcript: %w", err)
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("publishing copy: %w", err)
	}
	return nil
}
