// Package hook implements the auto-trim hook the host assistant invokes on
// PreCompact and PostToolUse events.
//
// The hook must never break the host: every failure path exits 0 and stdin
// reads are bounded. The PostToolUse path is size-gated so the common case
// is a stat of the transcript and a read of config.json.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/config"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/jsonutil"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/logging"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/trim"
)

// Trigger values sent by the host.
const (
	TriggerPreCompact  = "PreCompact"
	TriggerPostToolUse = "PostToolUse"
)

// StdinTimeout bounds how long the hook waits for its input.
const StdinTimeout = 5 * time.Second

// MaxLogEntries caps the auto-trim log ring buffer.
const MaxLogEntries = 50

// Input is the JSON object the host writes on stdin.
type Input struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Trigger        string `json:"trigger"`
	CWD            string `json:"cwd"`
}

// LogEntry is one record of the auto-trim log.
type LogEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	Trigger          string    `json:"trigger"`
	OriginalBytes    int64     `json:"original_bytes"`
	TrimmedBytes     int64     `json:"trimmed_bytes"`
	ReductionPercent float64   `json:"reduction_percent"`
	BackupPath       string    `json:"backup_path"`
}

// Run executes the hook against stdin and always returns exit code 0.
func Run(stdin io.Reader, trigger string) int {
	ctx := context.Background()

	input, ok := readInput(stdin)
	if !ok {
		return 0
	}
	if input.Trigger == "" {
		input.Trigger = trigger
	}
	if input.TranscriptPath == "" {
		return 0
	}

	info, err := os.Stat(input.TranscriptPath)
	if err != nil {
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	// PostToolUse fires constantly; the size gate keeps the common case to
	// the stat above and the config read.
	if input.Trigger == TriggerPostToolUse && info.Size() < cfg.AutoTrim.SizeThresholdBytes {
		return 0
	}

	if err := os.MkdirAll(mustBackupsDir(), 0o750); err != nil {
		return 0
	}

	backupPath, err := saveBackup(input.SessionID, input.TranscriptPath)
	if err != nil {
		logging.Debug(ctx, "auto-trim backup failed", slog.String("error", err.Error()))
		return 0
	}
	rotateBackups(input.SessionID, cfg.AutoTrim.MaxBackups)

	metrics, err := trim.Trim(input.TranscriptPath, input.TranscriptPath, trim.Options{Threshold: cfg.AutoTrim.Threshold})
	if err != nil {
		logging.Debug(ctx, "auto-trim failed", slog.String("error", err.Error()))
		return 0
	}

	appendLogEntry(LogEntry{
		Timestamp:        time.Now().UTC(),
		SessionID:        input.SessionID,
		Trigger:          input.Trigger,
		OriginalBytes:    metrics.OriginalBytes,
		TrimmedBytes:     metrics.TrimmedBytes,
		ReductionPercent: metrics.ReductionPercent(),
		BackupPath:       backupPath,
	})

	logging.Debug(ctx, "auto-trim complete",
		slog.String("session_id", input.SessionID),
		slog.String("trigger", input.Trigger),
		slog.Int64("original_bytes", metrics.OriginalBytes),
		slog.Int64("trimmed_bytes", metrics.TrimmedBytes),
	)
	return 0
}

// readInput parses the hook payload, giving up after StdinTimeout so a
// wedged pipe cannot hang the host.
func readInput(stdin io.Reader) (Input, bool) {
	type result struct {
		input Input
		ok    bool
	}
	ch := make(chan result, 1)

	go func() {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			ch <- result{}
			return
		}
		var input Input
		if err := json.Unmarshal(data, &input); err != nil {
			ch <- result{}
			return
		}
		ch <- result{input: input, ok: true}
	}()

	select {
	case r := <-ch:
		return r.input, r.ok
	case <-time.After(StdinTimeout):
		return Input{}, false
	}
}

// saveBackup copies the transcript into auto-backups with a timestamped name.
func saveBackup(sessionID, transcriptPath string) (string, error) {
	dir := mustBackupsDir()
	name := fmt.Sprintf("%s-%s.jsonl", sessionID, time.Now().UTC().Format("20060102-150405.000000000"))
	backupPath := filepath.Join(dir, name)

	data, err := os.ReadFile(transcriptPath) //nolint:gosec // path comes from the host's hook payload
	if err != nil {
		return "", err
	}
	if err := jsonutil.WriteFileAtomic(backupPath, data, 0o600); err != nil {
		return "", err
	}
	return backupPath, nil
}

// rotateBackups keeps the most recent maxBackups per session id.
func rotateBackups(sessionID string, maxBackups int) {
	if maxBackups <= 0 {
		maxBackups = config.DefaultMaxBackups
	}
	dir := mustBackupsDir()
	matches, err := filepath.Glob(filepath.Join(dir, sessionID+"-*.jsonl"))
	if err != nil || len(matches) <= maxBackups {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-maxBackups] {
		_ = os.Remove(stale)
	}
}

// appendLogEntry appends to the auto-trim log, capping it at MaxLogEntries.
func appendLogEntry(entry LogEntry) {
	logPath, err := paths.AutoTrimLogPath()
	if err != nil {
		return
	}

	var entries []LogEntry
	if data, err := os.ReadFile(logPath); err == nil { //nolint:gosec // path is under the engine home
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	_ = jsonutil.WriteJSONAtomic(logPath, entries, 0o600)
}

// ReadLog returns the auto-trim log, newest last.
func ReadLog() ([]LogEntry, error) {
	logPath, err := paths.AutoTrimLogPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(logPath) //nolint:gosec // path is under the engine home
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing auto-trim log: %w", err)
	}
	return entries, nil
}

// mustBackupsDir resolves the backups dir, falling back to a harmless
// location rather than failing the hook path.
func mustBackupsDir() string {
	dir, err := paths.AutoBackupsDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cmv-auto-backups")
	}
	return dir
}

// IsKnownTrigger reports whether the hook understands a trigger name.
func IsKnownTrigger(trigger string) bool {
	switch {
	case strings.EqualFold(trigger, TriggerPreCompact), strings.EqualFold(trigger, TriggerPostToolUse):
		return true
	default:
		return false
	}
}
