// Package jsonutil provides JSON utilities with consistent formatting.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MarshalIndentWithNewline is like json.MarshalIndent but adds a trailing newline.
// This ensures JSON files have proper POSIX line endings.
func MarshalIndentWithNewline(v any, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent(prefix, indent)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic publishes data at path via a sibling temp file and rename.
// Readers observe either the old or the new content, never a partial write.
// When rename-over fails (some platforms refuse to replace), the target is
// removed and the rename retried; on failure the temp file is cleaned up.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	// Best-effort durability before publication.
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("setting temp file mode: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		// Rename-over can fail on platforms that refuse to replace an
		// existing file. Delete then retry.
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			cleanup()
			return fmt.Errorf("replacing %s: %w", path, err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			cleanup()
			return fmt.Errorf("renaming temp file: %w", err)
		}
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and publishes it atomically.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := MarshalIndentWithNewline(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, perm)
}
