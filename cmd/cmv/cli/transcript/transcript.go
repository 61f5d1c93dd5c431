// Package transcript provides the shared line and content-block model for
// host assistant JSONL transcripts, plus streaming readers.
//
// A transcript is an append-only sequence of self-contained JSON records,
// one per line. The trimmer and analyzer both classify records and content
// blocks through this package so their notions of "trimmable" stay aligned.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record type values used by the host assistant.
const (
	TypeUser                = "user"
	TypeHuman               = "human"
	TypeAssistant           = "assistant"
	TypeSummary             = "summary"
	TypeSystem              = "system"
	TypeFileHistorySnapshot = "file-history-snapshot"
	TypeQueueOperation      = "queue-operation"

	SubtypeCompactBoundary = "compact_boundary"
)

// Content block type values.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Kind classifies a transcript record.
type Kind int

const (
	// KindOther covers system records and anything unrecognized.
	KindOther Kind = iota
	// KindUser is a user message.
	KindUser
	// KindAssistant is an assistant message.
	KindAssistant
	// KindFileHistory is a file-history-snapshot record.
	KindFileHistory
	// KindQueueOperation is a queue-operation record.
	KindQueueOperation
	// KindCompaction is a compaction boundary marker.
	KindCompaction
)

// Probe is the minimal set of top-level fields needed to classify a record.
type Probe struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Role    string `json:"role"`
	Summary string `json:"summary"`
}

// Classify maps a probe to a record kind.
func Classify(p Probe) Kind {
	switch {
	case p.Type == TypeFileHistorySnapshot:
		return KindFileHistory
	case p.Type == TypeQueueOperation:
		return KindQueueOperation
	case p.Type == TypeSummary,
		p.Type == TypeSystem && p.Subtype == SubtypeCompactBoundary:
		return KindCompaction
	case p.Role == "user", p.Type == TypeUser, p.Type == TypeHuman:
		return KindUser
	case p.Role == "assistant", p.Type == TypeAssistant:
		return KindAssistant
	default:
		return KindOther
	}
}

// ClassifyLine probes a raw JSONL line. Malformed JSON classifies as
// KindOther with ok=false so callers can pass the line through untouched.
func ClassifyLine(raw []byte) (Kind, bool) {
	var p Probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return KindOther, false
	}
	return Classify(p), true
}

// Usage is the API-reported token usage attached to assistant messages.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TotalInput returns the full input-side token count of an API call.
func (u Usage) TotalInput() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// usageProbe finds usage at message.usage or top-level usage.
type usageProbe struct {
	Usage   *Usage `json:"usage"`
	Message *struct {
		Usage *Usage `json:"usage"`
	} `json:"message"`
}

// ExtractUsage returns the usage object from a raw line, if any.
func ExtractUsage(raw []byte) (Usage, bool) {
	var p usageProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return Usage{}, false
	}
	if p.Message != nil && p.Message.Usage != nil {
		return *p.Message.Usage, true
	}
	if p.Usage != nil {
		return *p.Usage, true
	}
	return Usage{}, false
}

// ScanFunc visits one non-empty line. index counts non-empty lines from 0.
// Returning an error aborts the scan.
type ScanFunc func(index int, raw []byte) error

// ScanLines streams a JSONL file line by line with bounded memory.
// Empty lines are skipped silently; indices count only visited lines so
// multiple passes over the same file agree on numbering.
func ScanLines(path string, fn ScanFunc) error {
	f, err := os.Open(path) //nolint:gosec // path is a controlled transcript file path
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	return scan(f, fn)
}

func scan(r io.Reader, fn ScanFunc) error {
	reader := bufio.NewReader(r)
	index := 0
	for {
		lineBytes, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read transcript: %w", err)
		}

		trimmed := bytes.TrimRight(lineBytes, "\r\n")
		if len(bytes.TrimSpace(trimmed)) > 0 {
			if fnErr := fn(index, trimmed); fnErr != nil {
				return fnErr
			}
			index++
		}

		if err == io.EOF {
			return nil
		}
	}
}

// CountMessages cheaply counts user and assistant messages in a transcript.
func CountMessages(path string) (users, assistants int, err error) {
	err = ScanLines(path, func(_ int, raw []byte) error {
		switch kind, _ := ClassifyLine(raw); kind {
		case KindUser:
			users++
		case KindAssistant:
			assistants++
		}
		return nil
	})
	return users, assistants, err
}

// ContentBlocks locates the message payload blocks of a decoded record.
// Blocks live at message.content or (alternate format) top-level content.
// Returns the block slice, the map that owns the "content" key, and whether
// an array-shaped payload was found.
func ContentBlocks(rec map[string]any) ([]any, map[string]any, bool) {
	if msg, ok := rec["message"].(map[string]any); ok {
		if blocks, ok := msg["content"].([]any); ok {
			return blocks, msg, true
		}
	}
	if blocks, ok := rec["content"].([]any); ok {
		return blocks, rec, true
	}
	return nil, nil, false
}

// BlockType returns the "type" field of a content block.
func BlockType(block any) string {
	m, ok := block.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

// FirstUserText returns the first user message's text, for index entries
// and snapshot metadata. Handles both string and block-array content.
func FirstUserText(path string) (string, error) {
	var found string
	err := ScanLines(path, func(_ int, raw []byte) error {
		if found != "" {
			return nil
		}
		kind, ok := ClassifyLine(raw)
		if !ok || kind != KindUser {
			return nil
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		found = userText(rec)
		return nil
	})
	return found, err
}

func userText(rec map[string]any) string {
	content := rec["content"]
	if msg, ok := rec["message"].(map[string]any); ok {
		content = msg["content"]
	}

	if s, ok := content.(string); ok {
		return s
	}
	if arr, ok := content.([]any); ok {
		var texts []string
		for _, item := range arr {
			m, ok := item.(map[string]any)
			if !ok || m["type"] != BlockText {
				continue
			}
			if text, ok := m["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		return strings.Join(texts, "\n\n")
	}
	return ""
}
