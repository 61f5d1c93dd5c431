package session

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/config"
)

// hostCLINames are the binary names the host assistant installs under.
var hostCLINames = []string{"claude"}

// FindHostCLI resolves the host assistant binary: the configured override
// first, then PATH. Returns ErrHostCliNotFound when nothing resolves.
func FindHostCLI(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.ClaudeCLIPath != "" {
		if _, err := os.Stat(cfg.ClaudeCLIPath); err != nil {
			return "", fmt.Errorf("%w: configured path %s: %v", ErrHostCliNotFound, cfg.ClaudeCLIPath, err)
		}
		return cfg.ClaudeCLIPath, nil
	}
	for _, name := range hostCLINames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrHostCliNotFound
}
