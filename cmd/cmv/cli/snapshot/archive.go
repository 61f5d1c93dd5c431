package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

// ArchiveExtension is the portable snapshot archive suffix.
const ArchiveExtension = ".cmv"

// Export writes a snapshot as a gzipped POSIX ustar archive containing
// meta.json and the session/ directory. Branches are excluded: their session
// ids are only meaningful on this machine. Returns the archive path.
func Export(name, outPath string) (string, error) {
	snap, err := Get(name)
	if err != nil {
		return "", err
	}
	if outPath == "" {
		outPath = snap.Name + ArchiveExtension
	}

	snapDir, err := paths.SnapshotDir(snap.SnapshotDir)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	addFile := func(archivePath, fsPath string) error {
		info, err := os.Stat(fsPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", fsPath, err)
		}
		hdr := &tar.Header{
			Name:    archivePath,
			Mode:    0o600,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Format:  tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}
		f, err := os.Open(fsPath) //nolint:gosec // fsPath is under the snapshot dir
		if err != nil {
			return fmt.Errorf("opening %s: %w", fsPath, err)
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", fsPath, err)
		}
		return nil
	}

	archiveErr := func() error {
		if err := addFile(paths.MetaFileName, filepath.Join(snapDir, paths.MetaFileName)); err != nil {
			return err
		}
		sessionDir := filepath.Join(snapDir, paths.SessionDirName)
		entries, err := os.ReadDir(sessionDir)
		if err != nil {
			return fmt.Errorf("reading session dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := addFile(paths.SessionDirName+"/"+e.Name(), filepath.Join(sessionDir, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}()

	if closeErr := tw.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if closeErr := gz.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if closeErr := tmp.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if archiveErr != nil {
		return "", archiveErr
	}

	if err := os.Rename(tmpName, outPath); err != nil {
		return "", fmt.Errorf("publishing archive: %w", err)
	}
	return outPath, nil
}

// ImportOptions control name-conflict resolution on import.
type ImportOptions struct {
	// Rename imports under a different name.
	Rename string
	// Force replaces an existing snapshot of the same name.
	Force bool
}

// ImportResult describes an imported snapshot.
type ImportResult struct {
	Snapshot *Snapshot
	Warnings []string
}

// Import reads a .cmv archive into the store. The snapshot gets a fresh
// storage id; a parent_snapshot that does not exist locally is dropped with
// a warning. Temp state is removed on every exit path.
func Import(archivePath string, opts ImportOptions) (*ImportResult, error) {
	if err := InitStore(); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "cmv-import-*")
	if err != nil {
		return nil, fmt.Errorf("creating import temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	if err := extractArchive(archivePath, tmpDir); err != nil {
		return nil, err
	}

	metaData, err := os.ReadFile(filepath.Join(tmpDir, paths.MetaFileName)) //nolint:gosec // tmpDir is ours
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidArchive, paths.MetaFileName)
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("%w: unreadable %s: %v", ErrInvalidArchive, paths.MetaFileName, err)
	}
	if meta.SourceSessionID == "" {
		return nil, fmt.Errorf("%w: meta.json has no source_session_id", ErrInvalidArchive)
	}
	extractedSession := filepath.Join(tmpDir, paths.SessionDirName, meta.SourceSessionID+".jsonl")
	if _, err := os.Stat(extractedSession); err != nil {
		return nil, fmt.Errorf("%w: missing session/%s.jsonl", ErrInvalidArchive, meta.SourceSessionID)
	}

	name := meta.Name
	if opts.Rename != "" {
		name = opts.Rename
	}
	if err := paths.ValidateSnapshotName(name); err != nil {
		return nil, err
	}

	idx, err := loadIndex()
	if err != nil {
		return nil, err
	}
	if existing, exists := idx.Snapshots[name]; exists {
		if !opts.Force {
			return nil, fmt.Errorf("%w: %q (use rename or force)", ErrSnapshotExists, name)
		}
		if dir, err := paths.SnapshotDir(existing.SnapshotDir); err == nil {
			_ = os.RemoveAll(dir)
		}
	}

	var warnings []string
	parent := meta.ParentSnapshot
	if parent != "" {
		if _, ok := idx.Snapshots[parent]; !ok {
			warnings = append(warnings, fmt.Sprintf("parent snapshot %q does not exist locally; lineage dropped", parent))
			parent = ""
		}
	}

	snap := &Snapshot{
		ID:                paths.NewSnapshotID(),
		Name:              name,
		Description:       meta.Description,
		CreatedAt:         meta.CreatedAt,
		SourceSessionID:   meta.SourceSessionID,
		SourceProjectPath: meta.SourceProjectPath,
		Tags:              meta.Tags,
		ParentSnapshot:    parent,
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	snap.SnapshotDir = snap.ID

	sessionPath, err := paths.SnapshotSessionPath(snap.SnapshotDir, snap.SourceSessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := copyFile(extractedSession, sessionPath); err != nil {
		return nil, err
	}

	users, assistants, err := transcript.CountMessages(sessionPath)
	if err == nil {
		count := users + assistants
		snap.MessageCount = &count
	}

	if err := writeMeta(snap); err != nil {
		return nil, err
	}
	idx.Snapshots[snap.Name] = *snap
	if err := saveIndex(idx); err != nil {
		return nil, err
	}

	return &ImportResult{Snapshot: snap, Warnings: warnings}, nil
}

// extractArchive unpacks a gzipped tar into dir, tolerating extra entries
// and refusing paths that escape the target.
func extractArchive(archivePath, dir string) error {
	f, err := os.Open(archivePath) //nolint:gosec // archivePath is caller-provided by design
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: not gzip data: %v", ErrInvalidArchive, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: corrupt tar stream: %v", ErrInvalidArchive, err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("%w: entry %q escapes archive root", ErrInvalidArchive, hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			out, err := os.Create(target) //nolint:gosec // target is confined to dir above
			if err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			//nolint:gosec // G110: archives are local snapshot exports, not hostile input
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
		default:
			// Tolerate unknown entry types.
		}
	}
}
