// Package trim implements the two-pass streaming transcript rewriter.
//
// The trimmer removes mechanical overhead from a JSONL transcript — large
// tool outputs, thinking blocks with their signatures, file-history
// snapshots, dead pre-compaction content — without touching conversation
// semantics. Lines the taxonomy does not match are written back verbatim.
package trim

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

const (
	// DefaultThreshold is the default stub threshold in characters.
	DefaultThreshold = 500
	// MinThreshold is the lowest accepted stub threshold.
	MinThreshold = 50
)

// writeTools are tools whose inputs carry whole file contents. Their known
// payload fields are stubbed individually before the generic rule applies.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// writeToolPayloadFields are the input fields of write tools that hold file
// content and may be stubbed.
var writeToolPayloadFields = []string{"content", "old_string", "new_string", "new_source"}

// preservedInputFields are never stubbed regardless of length: they identify
// what a tool call did rather than carrying bulk payload.
var preservedInputFields = map[string]bool{
	"file_path":     true,
	"notebook_path": true,
	"command":       true,
	"description":   true,
	"pattern":       true,
	"path":          true,
	"url":           true,
	"skill":         true,
	"args":          true,
	"replace_all":   true,
	"edit_mode":     true,
	"cell_type":     true,
	"cell_id":       true,
}

// Options controls a trim run.
type Options struct {
	// Threshold is the stub threshold in characters for tool results and
	// tool inputs. Zero means DefaultThreshold; values below MinThreshold
	// are raised to MinThreshold.
	Threshold int
}

func (o Options) threshold() int {
	switch {
	case o.Threshold == 0:
		return DefaultThreshold
	case o.Threshold < MinThreshold:
		return MinThreshold
	default:
		return o.Threshold
	}
}

// Metrics is the byte-accurate accounting of a trim run.
type Metrics struct {
	OriginalBytes int64 `json:"original_bytes"`
	TrimmedBytes  int64 `json:"trimmed_bytes"`

	ToolResultsStubbed        int `json:"tool_results_stubbed"`
	SignaturesStripped        int `json:"signatures_stripped"`
	FileHistoryRemoved        int `json:"file_history_removed"`
	ImagesStripped            int `json:"images_stripped"`
	ToolUseInputsStubbed      int `json:"tool_use_inputs_stubbed"`
	PreCompactionLinesSkipped int `json:"pre_compaction_lines_skipped"`
	QueueOperationsRemoved    int `json:"queue_operations_removed"`

	// Preservation counters: what made it through.
	UserMessages       int `json:"user_messages"`
	AssistantResponses int `json:"assistant_responses"`
	ToolUseRequests    int `json:"tool_use_requests"`
}

// ReductionPercent returns the relative size reduction in percent.
func (m Metrics) ReductionPercent() float64 {
	if m.OriginalBytes == 0 {
		return 0
	}
	return float64(m.OriginalBytes-m.TrimmedBytes) / float64(m.OriginalBytes) * 100
}

// Trim rewrites the transcript at src into dst, returning metrics.
// The destination appears atomically: output goes to a sibling temp file
// that is renamed over dst only on success.
func Trim(src, dst string, opts Options) (Metrics, error) {
	var metrics Metrics
	threshold := opts.threshold()

	srcInfo, err := os.Stat(src)
	if err != nil {
		return metrics, fmt.Errorf("failed to stat source: %w", err)
	}
	metrics.OriginalBytes = srcInfo.Size()

	lastCompaction, skippedToolUseIDs, err := scanPass(src)
	if err != nil {
		return metrics, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return metrics, fmt.Errorf("failed to create temp output: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	rw := rewriter{
		threshold:  threshold,
		skippedIDs: skippedToolUseIDs,
		metrics:    &metrics,
	}

	err = transcript.ScanLines(src, func(index int, raw []byte) error {
		if index < lastCompaction {
			metrics.PreCompactionLinesSkipped++
			return nil
		}
		out, keep := rw.rewriteLine(raw)
		if !keep {
			return nil
		}
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = tmp.Close()
		return metrics, err
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return metrics, fmt.Errorf("failed to flush output: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return metrics, fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return metrics, fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return metrics, fmt.Errorf("failed to publish output: %w", err)
	}

	dstInfo, err := os.Stat(dst)
	if err != nil {
		return metrics, fmt.Errorf("failed to stat output: %w", err)
	}
	metrics.TrimmedBytes = dstInfo.Size()

	return metrics, nil
}

// scanPass streams the file once, recording the index of the last compaction
// marker and the tool_use ids of every line that will be skipped by the
// pre-compaction rule. Those ids identify tool_result blocks that would
// otherwise survive as orphans.
func scanPass(src string) (lastCompaction int, skippedIDs map[string]bool, err error) {
	lastCompaction = -1
	type lineIDs struct {
		index int
		ids   []string
	}
	var toolUses []lineIDs

	err = transcript.ScanLines(src, func(index int, raw []byte) error {
		kind, ok := transcript.ClassifyLine(raw)
		if !ok {
			return nil
		}
		if kind == transcript.KindCompaction {
			lastCompaction = index
			return nil
		}
		if ids := toolUseIDs(raw); len(ids) > 0 {
			toolUses = append(toolUses, lineIDs{index: index, ids: ids})
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	skippedIDs = make(map[string]bool)
	for _, tu := range toolUses {
		if tu.index < lastCompaction {
			for _, id := range tu.ids {
				skippedIDs[id] = true
			}
		}
	}
	return lastCompaction, skippedIDs, nil
}

// toolUseIDs extracts the ids of tool_use blocks in a line, if any.
func toolUseIDs(raw []byte) []string {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	blocks, _, ok := transcript.ContentBlocks(rec)
	if !ok {
		return nil
	}
	var ids []string
	for _, block := range blocks {
		m, ok := block.(map[string]any)
		if !ok || m["type"] != transcript.BlockToolUse {
			continue
		}
		if id, ok := m["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// rewriter applies the removal taxonomy to single lines.
type rewriter struct {
	threshold  int
	skippedIDs map[string]bool
	metrics    *Metrics
}

// rewriteLine returns the output bytes for one line and whether to keep it.
// Unmodified lines are returned verbatim so preserved content stays
// byte-identical.
func (rw *rewriter) rewriteLine(raw []byte) ([]byte, bool) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Malformed JSON passes through untouched.
		return raw, true
	}

	var p transcript.Probe
	_ = json.Unmarshal(raw, &p)
	kind := transcript.Classify(p)

	switch kind {
	case transcript.KindFileHistory:
		rw.metrics.FileHistoryRemoved++
		return nil, false
	case transcript.KindQueueOperation:
		rw.metrics.QueueOperationsRemoved++
		return nil, false
	}

	changed := rw.rewriteBlocks(rec)
	if stripUsage(rec) {
		changed = true
	}

	switch kind {
	case transcript.KindUser:
		rw.metrics.UserMessages++
	case transcript.KindAssistant:
		rw.metrics.AssistantResponses++
	}

	if !changed {
		return raw, true
	}
	out, err := json.Marshal(rec)
	if err != nil {
		// Should not happen for data that round-tripped through Unmarshal;
		// fall back to the original line rather than corrupting the file.
		return raw, true
	}
	return out, true
}

// rewriteBlocks applies block-level rules. Returns whether the record changed.
func (rw *rewriter) rewriteBlocks(rec map[string]any) bool {
	blocks, owner, ok := transcript.ContentBlocks(rec)
	if !ok {
		return false
	}

	changed := false
	kept := make([]any, 0, len(blocks))
	for _, block := range blocks {
		m, isMap := block.(map[string]any)
		if !isMap {
			kept = append(kept, block)
			continue
		}

		switch m["type"] {
		case transcript.BlockThinking:
			// The signature cannot survive partial edits, so the whole
			// block goes.
			rw.metrics.SignaturesStripped++
			changed = true
			continue

		case transcript.BlockToolResult:
			if id, ok := m["tool_use_id"].(string); ok && rw.skippedIDs[id] {
				// Orphan: its tool_use was discarded with the
				// pre-compaction content.
				changed = true
				continue
			}
			if rw.rewriteToolResult(m) {
				changed = true
			}

		case transcript.BlockToolUse:
			rw.metrics.ToolUseRequests++
			if rw.rewriteToolUseInput(m) {
				changed = true
			}
		}
		kept = append(kept, m)
	}

	if changed {
		owner["content"] = kept
	}
	return changed
}

// rewriteToolResult strips image sub-blocks and stubs oversized content.
// The stripped images' serialized size still counts toward the length that
// decides stubbing.
func (rw *rewriter) rewriteToolResult(block map[string]any) bool {
	changed := false
	size := 0

	switch content := block["content"].(type) {
	case string:
		size = len(content)

	case []any:
		kept := make([]any, 0, len(content))
		for _, sub := range content {
			sm, ok := sub.(map[string]any)
			if !ok {
				size += jsonLen(sub)
				kept = append(kept, sub)
				continue
			}
			switch sm["type"] {
			case transcript.BlockText:
				if text, ok := sm["text"].(string); ok {
					size += len(text)
				} else {
					size += jsonLen(sm)
				}
				kept = append(kept, sm)
			case transcript.BlockImage:
				size += jsonLen(sm)
				rw.metrics.ImagesStripped++
				changed = true
			default:
				size += jsonLen(sm)
				kept = append(kept, sm)
			}
		}
		if changed {
			block["content"] = kept
		}

	case nil:
		return false

	default:
		size = jsonLen(content)
	}

	if size > rw.threshold {
		block["content"] = []any{map[string]any{
			"type": transcript.BlockText,
			"text": fmt.Sprintf("[Trimmed tool result: ~%d chars]", size),
		}}
		rw.metrics.ToolResultsStubbed++
		changed = true
	}
	return changed
}

// rewriteToolUseInput stubs oversized tool inputs. Write-style tools get
// their known payload fields checked first; when none of those was stubbed
// (and for every other tool), string values over the threshold are stubbed
// unless the field is preserved.
func (rw *rewriter) rewriteToolUseInput(block map[string]any) bool {
	input, ok := block["input"].(map[string]any)
	if !ok {
		return false
	}
	name, _ := block["name"].(string)

	stubbed := false
	if writeTools[name] {
		for _, field := range writeToolPayloadFields {
			if s, ok := input[field].(string); ok && len(s) > rw.threshold {
				input[field] = fmt.Sprintf("[Trimmed input: ~%d chars]", len(s))
				stubbed = true
			}
		}
		if stubbed {
			rw.metrics.ToolUseInputsStubbed++
			return true
		}
	}

	if jsonLen(input) <= rw.threshold {
		return false
	}
	for key, value := range input {
		if preservedInputFields[key] {
			continue
		}
		if s, ok := value.(string); ok && len(s) > rw.threshold {
			input[key] = fmt.Sprintf("[Trimmed input: ~%d chars]", len(s))
			stubbed = true
		}
	}
	if stubbed {
		rw.metrics.ToolUseInputsStubbed++
	}
	return stubbed
}

// stripUsage deletes usage objects at message.usage and top level.
// Post-trim the old numbers would no longer be accurate.
func stripUsage(rec map[string]any) bool {
	changed := false
	if msg, ok := rec["message"].(map[string]any); ok {
		if _, has := msg["usage"]; has {
			delete(msg, "usage")
			changed = true
		}
	}
	if _, has := rec["usage"]; has {
		delete(rec, "usage")
		changed = true
	}
	return changed
}

// jsonLen measures the serialized size of a value.
func jsonLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
