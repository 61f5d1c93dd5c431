package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
)

// lockFile is the shape of the host's ide/<port>.lock files. Only the pid
// matters here.
type lockFile struct {
	PID int `json:"pid"`
}

// IsActive reports whether a transcript looks live: modified within the
// activity window and a host lock file names a process that still exists.
// A live source is a warning, not an error; snapshots of it may capture a
// mid-write state.
func IsActive(e Entry) bool {
	info, err := os.Stat(e.FullPath)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > ActiveWindow {
		return false
	}
	return hostProcessAlive()
}

// hostProcessAlive checks the host's lock files for a PID that is still
// running.
func hostProcessAlive() bool {
	home, err := paths.ClaudeHome()
	if err != nil {
		return false
	}
	locks, err := filepath.Glob(filepath.Join(home, "ide", "*.lock"))
	if err != nil || len(locks) == 0 {
		return false
	}
	for _, lock := range locks {
		data, err := os.ReadFile(lock) //nolint:gosec // lock paths come from Glob under the host home
		if err != nil {
			continue
		}
		var lf lockFile
		if err := json.Unmarshal(data, &lf); err != nil || lf.PID <= 0 {
			continue
		}
		if proc, err := ps.FindProcess(lf.PID); err == nil && proc != nil {
			return true
		}
	}
	return false
}
