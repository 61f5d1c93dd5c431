package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/session"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/trim"
)

// BranchOptions are the inputs to CreateBranch.
type BranchOptions struct {
	SnapshotName string

	// BranchName defaults to branch-<n+1> within the snapshot.
	BranchName string

	// Trim materializes the branch through the trimmer instead of a
	// plain copy.
	Trim          bool
	TrimThreshold int

	// OrientationMessage, when set, is appended as a user message at the
	// end of the new transcript.
	OrientationMessage string
}

// BranchResult describes a materialized branch.
type BranchResult struct {
	Snapshot    string        `json:"snapshot"`
	Branch      Branch        `json:"branch"`
	SessionPath string        `json:"session_path"`
	ProjectDir  string        `json:"project_dir"`
	TrimMetrics *trim.Metrics `json:"trim_metrics,omitempty"`
}

// CreateBranch materializes a snapshot as a fresh session under the host
// layout and registers it in both the host's per-project index and the
// master index. The master index is only updated after the on-disk file and
// host-index entry are in place.
func CreateBranch(opts BranchOptions) (*BranchResult, error) {
	idx, err := loadIndex()
	if err != nil {
		return nil, err
	}
	snap, ok := idx.Snapshots[opts.SnapshotName]
	if !ok {
		return nil, notFound(opts.SnapshotName)
	}

	srcPath, err := snap.SessionPath()
	if err != nil {
		return nil, err
	}
	users, assistants, err := transcript.CountMessages(srcPath)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot transcript: %w", err)
	}
	if users+assistants == 0 {
		return nil, fmt.Errorf("%w: snapshot %q; re-create it from a session with messages", ErrNoConversationContent, snap.Name)
	}

	branchName := opts.BranchName
	if branchName == "" {
		branchName = fmt.Sprintf("branch-%d", len(snap.Branches)+1)
	}
	if _, exists := snap.FindBranch(branchName); exists {
		return nil, fmt.Errorf("%w: %q on snapshot %q", ErrBranchExists, branchName, snap.Name)
	}

	projectDir, err := paths.ProjectDirFor(snap.SourceProjectPath)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s (open the project in the host assistant once to create it)", ErrProjectDirNotFound, projectDir)
	}

	newID := uuid.NewString()
	dstPath := filepath.Join(projectDir, newID+".jsonl")

	var metrics *trim.Metrics
	if opts.Trim {
		m, err := trim.Trim(srcPath, dstPath, trim.Options{Threshold: opts.TrimThreshold})
		if err != nil {
			return nil, err
		}
		metrics = &m
	} else {
		if err := copyFile(srcPath, dstPath); err != nil {
			return nil, err
		}
	}

	// Everything past this point cleans up the materialized file on failure.
	fail := func(err error) (*BranchResult, error) {
		_ = os.Remove(dstPath)
		return nil, err
	}

	if opts.OrientationMessage != "" {
		if err := appendOrientationMessage(dstPath, newID, opts.OrientationMessage); err != nil {
			return fail(err)
		}
	}

	now := time.Now().UTC()
	entry := session.Entry{
		SessionID:    newID,
		FullPath:     dstPath,
		FileMtime:    now.UnixMilli(),
		FirstPrompt:  branchName,
		MessageCount: 0,
		Created:      now,
		Modified:     now,
		ProjectPath:  snap.SourceProjectPath,
		IsSidechain:  false,
	}
	if err := session.AppendEntry(projectDir, entry); err != nil {
		return fail(err)
	}

	branch := Branch{Name: branchName, ForkedSessionID: newID, CreatedAt: now}
	snap.Branches = append(snap.Branches, branch)
	idx.Snapshots[snap.Name] = snap
	if err := saveIndex(idx); err != nil {
		_ = session.RemoveEntry(projectDir, newID)
		return fail(err)
	}

	return &BranchResult{
		Snapshot:    snap.Name,
		Branch:      branch,
		SessionPath: dstPath,
		ProjectDir:  projectDir,
		TrimMetrics: metrics,
	}, nil
}

// DeleteBranch removes a branch: the materialized session file, its host
// index entry, and the branch record. Missing file or index entry are
// tolerated so a half-deleted branch can be cleaned up.
func DeleteBranch(snapshotName, branchName string) error {
	idx, err := loadIndex()
	if err != nil {
		return err
	}
	snap, ok := idx.Snapshots[snapshotName]
	if !ok {
		return notFound(snapshotName)
	}
	branch, ok := snap.FindBranch(branchName)
	if !ok {
		return fmt.Errorf("%w: %q on snapshot %q", ErrBranchNotFound, branchName, snapshotName)
	}

	projectDir, err := paths.ProjectDirFor(snap.SourceProjectPath)
	if err != nil {
		return err
	}
	sessionFile := filepath.Join(projectDir, branch.ForkedSessionID+".jsonl")
	if err := os.Remove(sessionFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing branch session file: %w", err)
	}
	if err := session.RemoveEntry(projectDir, branch.ForkedSessionID); err != nil {
		return err
	}

	kept := snap.Branches[:0]
	for _, b := range snap.Branches {
		if b.Name != branchName {
			kept = append(kept, b)
		}
	}
	snap.Branches = kept
	idx.Snapshots[snap.Name] = snap
	return saveIndex(idx)
}

// appendOrientationMessage appends a user message to the end of a JSONL
// transcript so the forked session opens with context about why it exists.
func appendOrientationMessage(path, sessionID, message string) error {
	rec := map[string]any{
		"type":      transcript.TypeUser,
		"uuid":      uuid.NewString(),
		"sessionId": sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message": map[string]any{
			"role":    "user",
			"content": message,
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling orientation message: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path was just materialized by us
	if err != nil {
		return fmt.Errorf("opening branch transcript: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending orientation message: %w", err)
	}
	return nil
}
