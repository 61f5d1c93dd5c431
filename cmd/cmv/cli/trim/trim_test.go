package trim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func trimToTemp(t *testing.T, src string, opts Options) (string, Metrics) {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "trimmed.jsonl")
	metrics, err := Trim(src, dst, opts)
	require.NoError(t, err)
	return dst, metrics
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestTrim_FileHistoryRemoval(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"file-history-snapshot","data":{}}
{"type":"user","message":{"content":"hi"}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	lines := readLines(t, dst)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"type":"user","message":{"content":"hi"}}`, lines[0])
	assert.Equal(t, 1, metrics.FileHistoryRemoved)
	assert.Equal(t, 1, metrics.UserMessages)
}

func TestTrim_ToolResultStubbing(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("X", 800)
	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"`+big+`"}]}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.ToolResultsStubbed)
	assert.Less(t, metrics.TrimmedBytes, metrics.OriginalBytes)

	lines := readLines(t, dst)
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, ok := transcript.ContentBlocks(rec)
	require.True(t, ok)
	content := blocks[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "[Trimmed tool result: ~800 chars]", content[0].(map[string]any)["text"])
}

func TestTrim_ImageStrippingPushesOverThreshold(t *testing.T) {
	t.Parallel()

	// The image's serialized size counts toward the size that decides
	// whether the remaining content is stubbed.
	imageData := strings.Repeat("QUJD", 150) // 600 chars of base64
	src := writeTranscript(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"small"},{"type":"image","source":{"data":"`+imageData+`"}}]}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{Threshold: 500})

	assert.Equal(t, 1, metrics.ImagesStripped)
	assert.Equal(t, 1, metrics.ToolResultsStubbed)

	lines := readLines(t, dst)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, _ := transcript.ContentBlocks(rec)
	content := blocks[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)
	assert.True(t, strings.HasPrefix(text, "[Trimmed tool result: ~"), "got %q", text)
}

func TestTrim_ImageStrippedWithoutStubbing(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"ok"},{"type":"image","source":{"data":"QUJD"}}]}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.ImagesStripped)
	assert.Equal(t, 0, metrics.ToolResultsStubbed)

	lines := readLines(t, dst)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, _ := transcript.ContentBlocks(rec)
	content := blocks[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "ok", content[0].(map[string]any)["text"])
}

func TestTrim_ThinkingRemoval(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"thinking","thinking":"hm","signature":"abc"}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.SignaturesStripped)

	lines := readLines(t, dst)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, ok := transcript.ContentBlocks(rec)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello", blocks[0].(map[string]any)["text"])
}

func TestTrim_PreCompactionSkip(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"user","message":{"content":"L1"}}
{"type":"summary","summary":"earlier work"}
{"type":"user","message":{"content":"L3"}}
{"type":"system","subtype":"compact_boundary"}
{"type":"user","message":{"content":"L5"}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 3, metrics.PreCompactionLinesSkipped)

	lines := readLines(t, dst)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "compact_boundary")
	assert.Contains(t, lines[1], "L5")
}

func TestTrim_QueueOperationRemoval(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"queue-operation","op":"enqueue"}
{"type":"user","message":{"content":"hi"}}
`)
	_, metrics := trimToTemp(t, src, Options{})
	assert.Equal(t, 1, metrics.QueueOperationsRemoved)
	assert.Equal(t, 1, metrics.UserMessages)
}

func TestTrim_OrphanedToolResultsDropped(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_dead","name":"Bash","input":{"command":"ls"}}]}}
{"type":"system","subtype":"compact_boundary"}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_dead","content":"stale"},{"type":"text","text":"still here"}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.PreCompactionLinesSkipped)

	lines := readLines(t, dst)
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	blocks, _, ok := transcript.ContentBlocks(rec)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, transcript.BlockText, transcript.BlockType(blocks[0]))
}

func TestTrim_WriteToolInputStubbing(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("package main\n", 100)
	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"main.go","content":`+mustQuote(t, big)+`}}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.ToolUseInputsStubbed)
	assert.Equal(t, 1, metrics.ToolUseRequests)

	lines := readLines(t, dst)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, _ := transcript.ContentBlocks(rec)
	input := blocks[0].(map[string]any)["input"].(map[string]any)
	assert.Equal(t, "main.go", input["file_path"])
	assert.True(t, strings.HasPrefix(input["content"].(string), "[Trimmed input: ~"))
}

func TestTrim_GenericToolInputPreservesKnownFields(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("y", 600)
	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"CustomTool","input":{"command":`+mustQuote(t, long)+`,"payload":`+mustQuote(t, long)+`}}]}}
`)
	dst, metrics := trimToTemp(t, src, Options{})

	assert.Equal(t, 1, metrics.ToolUseInputsStubbed)

	lines := readLines(t, dst)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	blocks, _, _ := transcript.ContentBlocks(rec)
	input := blocks[0].(map[string]any)["input"].(map[string]any)

	// "command" is in the preserved set, "payload" is not.
	assert.Equal(t, long, input["command"])
	assert.True(t, strings.HasPrefix(input["payload"].(string), "[Trimmed input: ~"))
}

func TestTrim_UsageStripped(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":100}}}
`)
	dst, _ := trimToTemp(t, src, Options{})

	lines := readLines(t, dst)
	assert.NotContains(t, lines[0], "usage")
}

func TestTrim_MalformedLinePassesThrough(t *testing.T) {
	t.Parallel()

	src := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}
this is not json {{{
`)
	dst, _ := trimToTemp(t, src, Options{})

	lines := readLines(t, dst)
	require.Len(t, lines, 2)
	assert.Equal(t, "this is not json {{{", lines[1])
}

func TestTrim_UserTextPreservedVerbatim(t *testing.T) {
	t.Parallel()

	userLine := `{"type":"user","uuid":"u-1","message":{"content":"exact bytes, unusual  spacing","role":"user"}}`
	src := writeTranscript(t, userLine+"\n")
	dst, _ := trimToTemp(t, src, Options{})

	lines := readLines(t, dst)
	require.Len(t, lines, 1)
	assert.Equal(t, userLine, lines[0])
}

func TestTrim_Idempotence(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("Z", 2000)
	src := writeTranscript(t, `{"type":"file-history-snapshot","data":{}}
{"type":"user","message":{"content":"hi"}}
{"type":"assistant","message":{"content":[{"type":"text","text":"working"},{"type":"thinking","thinking":"...","signature":"s"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"cat file"}}],"usage":{"input_tokens":5}}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"`+big+`"}]}]}}
`)

	once, m1 := trimToTemp(t, src, Options{})
	twice, m2 := trimToTemp(t, once, Options{})

	assert.Equal(t, m1.TrimmedBytes, m2.TrimmedBytes)
	assert.Zero(t, m2.ToolResultsStubbed)
	assert.Zero(t, m2.SignaturesStripped)
	assert.Zero(t, m2.FileHistoryRemoved)
	assert.Zero(t, m2.ImagesStripped)
	assert.Zero(t, m2.ToolUseInputsStubbed)
	assert.Zero(t, m2.PreCompactionLinesSkipped)
	assert.Zero(t, m2.QueueOperationsRemoved)

	assert.Equal(t, readLines(t, once), readLines(t, twice))
}

func TestTrim_Monotonicity(t *testing.T) {
	t.Parallel()

	medium := strings.Repeat("m", 300)
	src := writeTranscript(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"`+medium+`"}]}]}}
{"type":"user","message":{"content":"hello"}}
`)

	_, aggressive := trimToTemp(t, src, Options{Threshold: 50})
	_, lenient := trimToTemp(t, src, Options{Threshold: 1000})

	assert.LessOrEqual(t, aggressive.TrimmedBytes, lenient.TrimmedBytes)
	assert.LessOrEqual(t, lenient.TrimmedBytes, lenient.OriginalBytes)
	assert.Equal(t, 1, aggressive.ToolResultsStubbed)
	assert.Equal(t, 0, lenient.ToolResultsStubbed)
}

func TestTrim_ThresholdFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultThreshold, Options{}.threshold())
	assert.Equal(t, MinThreshold, Options{Threshold: 10}.threshold())
	assert.Equal(t, 750, Options{Threshold: 750}.threshold())
}

func TestTrim_MissingSource(t *testing.T) {
	t.Parallel()

	_, err := Trim(filepath.Join(t.TempDir(), "nope.jsonl"), filepath.Join(t.TempDir(), "out.jsonl"), Options{})
	require.Error(t, err)
}

func mustQuote(t *testing.T, s string) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}
