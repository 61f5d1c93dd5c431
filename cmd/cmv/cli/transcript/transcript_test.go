package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Probe
		want Kind
	}{
		{"user by type", Probe{Type: "user"}, KindUser},
		{"human alias", Probe{Type: "human"}, KindUser},
		{"user by role", Probe{Role: "user"}, KindUser},
		{"assistant by type", Probe{Type: "assistant"}, KindAssistant},
		{"assistant by role", Probe{Role: "assistant", Type: "message"}, KindAssistant},
		{"file history", Probe{Type: "file-history-snapshot"}, KindFileHistory},
		{"queue operation", Probe{Type: "queue-operation"}, KindQueueOperation},
		{"summary marker", Probe{Type: "summary", Summary: "earlier work"}, KindCompaction},
		{"compact boundary", Probe{Type: "system", Subtype: "compact_boundary"}, KindCompaction},
		{"plain system", Probe{Type: "system"}, KindOther},
		{"unknown", Probe{Type: "progress"}, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.p); got != tt.want {
				t.Errorf("Classify(%+v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestClassifyLine_Malformed(t *testing.T) {
	t.Parallel()

	kind, ok := ClassifyLine([]byte("not json at all"))
	assert.False(t, ok)
	assert.Equal(t, KindOther, kind)
}

func TestScanLines(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}

{"type":"assistant","message":{"content":[]}}
`)

	var indices []int
	var lines [][]byte
	err := ScanLines(path, func(index int, raw []byte) error {
		indices = append(indices, index)
		lines = append(lines, append([]byte(nil), raw...))
		return nil
	})
	require.NoError(t, err)

	// Empty line is skipped and does not consume an index
	assert.Equal(t, []int{0, 1}, indices)
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[1]), "assistant")
}

func TestScanLines_NoTrailingNewline(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}`)

	count := 0
	require.NoError(t, ScanLines(path, func(int, []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestCountMessages(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t, `{"type":"user","message":{"content":"one"}}
{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}
{"type":"file-history-snapshot","data":{}}
{"type":"user","message":{"content":"three"}}
not valid json
`)

	users, assistants, err := CountMessages(path)
	require.NoError(t, err)
	assert.Equal(t, 2, users)
	assert.Equal(t, 1, assistants)
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"assistant","message":{"usage":{"input_tokens":30000,"cache_read_input_tokens":10000}}}`)
	usage, ok := ExtractUsage(raw)
	require.True(t, ok)
	assert.Equal(t, 40000, usage.TotalInput())

	// Top-level usage (alternate format)
	raw = []byte(`{"type":"assistant","usage":{"input_tokens":12,"output_tokens":3}}`)
	usage, ok = ExtractUsage(raw)
	require.True(t, ok)
	assert.Equal(t, 12, usage.InputTokens)

	_, ok = ExtractUsage([]byte(`{"type":"user"}`))
	assert.False(t, ok)
}

func TestContentBlocks(t *testing.T) {
	t.Parallel()

	rec := map[string]any{
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "hello"}},
		},
	}
	blocks, owner, ok := ContentBlocks(rec)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, BlockType(blocks[0]))
	_, hasContent := owner["content"]
	assert.True(t, hasContent)

	// Alternate format: content at top level
	rec = map[string]any{"content": []any{map[string]any{"type": "tool_use"}}}
	blocks, _, ok = ContentBlocks(rec)
	require.True(t, ok)
	assert.Equal(t, BlockToolUse, BlockType(blocks[0]))

	// String content has no block array
	_, _, ok = ContentBlocks(map[string]any{"content": "plain"})
	assert.False(t, ok)
}

func TestFirstUserText(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t, `{"type":"file-history-snapshot","data":{}}
{"type":"user","message":{"content":[{"type":"text","text":"fix the bug"},{"type":"text","text":"please"}]}}
{"type":"user","message":{"content":"second"}}
`)

	text, err := FirstUserText(path)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug\n\nplease", text)
}
