// Package analyze implements the single-pass transcript breakdown reader.
//
// The analyzer classifies every byte of the active portion of a JSONL
// transcript into semantic buckets and estimates the working token count,
// preferring API-reported usage numbers over the character heuristic.
// Content before the last compaction marker is excluded: the host summarized
// it away and it no longer occupies the live context window.
package analyze

import (
	"encoding/json"
	"fmt"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/transcript"
)

const (
	// ContextLimit is the assumed upper bound on input tokens per API call.
	ContextLimit = 200_000

	// SystemOverheadTokens accounts for the system prompt and tool
	// definitions that are always in context but never in the transcript.
	SystemOverheadTokens = 20_000

	// CharsPerToken is the character heuristic used when no API-reported
	// usage is available.
	CharsPerToken = 4
)

// BucketStat describes one breakdown bucket.
type BucketStat struct {
	Bytes   int64   `json:"bytes"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// ByteStat describes a bucket measured in bytes only.
type ByteStat struct {
	Bytes   int64   `json:"bytes"`
	Percent float64 `json:"percent"`
}

// Breakdown buckets every byte of the active portion.
type Breakdown struct {
	ToolResults        BucketStat `json:"tool_results"`
	ThinkingSignatures BucketStat `json:"thinking_signatures"`
	FileHistory        BucketStat `json:"file_history"`
	Conversation       ByteStat   `json:"conversation"`
	ToolUseRequests    BucketStat `json:"tool_use_requests"`
	Other              ByteStat   `json:"other"`
}

// MessageCount counts messages in the active portion.
type MessageCount struct {
	User        int `json:"user"`
	Assistant   int `json:"assistant"`
	ToolResults int `json:"tool_results"`
}

// Analysis is the read-only breakdown of a transcript.
type Analysis struct {
	TotalBytes         int64        `json:"total_bytes"`
	EstimatedTokens    int          `json:"estimated_tokens"`
	ContextLimit       int          `json:"context_limit"`
	ContextUsedPercent int          `json:"context_used_percent"`
	Breakdown          Breakdown    `json:"breakdown"`
	MessageCount       MessageCount `json:"message_count"`
}

// Analyze reads the transcript at path and returns its breakdown.
func Analyze(path string) (*Analysis, error) {
	st := newState()

	err := transcript.ScanLines(path, func(_ int, raw []byte) error {
		st.consume(raw)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing transcript: %w", err)
	}

	return st.finish(), nil
}

// state carries the streaming accumulation. Compaction markers reset the
// byte buckets and message counters but keep the last API-reported token
// count; the next assistant API call corrects any drift.
type state struct {
	breakdown Breakdown
	messages  MessageCount
	total     int64

	contentChars       int64
	lastAPITokens      int
	charsAtLastAPISeen int64
	sawAPITokens       bool
}

func newState() *state {
	return &state{}
}

func (st *state) consume(raw []byte) {
	lineBytes := int64(len(raw))

	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		st.total += lineBytes
		st.breakdown.Other.Bytes += lineBytes
		return
	}

	var p transcript.Probe
	_ = json.Unmarshal(raw, &p)
	kind := transcript.Classify(p)

	if kind == transcript.KindCompaction {
		st.reset(p.Summary)
		st.total += lineBytes
		st.breakdown.Other.Bytes += lineBytes
		return
	}

	st.total += lineBytes

	switch kind {
	case transcript.KindFileHistory:
		st.breakdown.FileHistory.Bytes += lineBytes
		st.breakdown.FileHistory.Count++
		return
	case transcript.KindUser:
		st.messages.User++
	case transcript.KindAssistant:
		st.messages.Assistant++
	}

	st.contentChars += semanticChars(rec)

	blocks, _, hasBlocks := transcript.ContentBlocks(rec)
	isConversation := kind == transcript.KindUser || kind == transcript.KindAssistant

	if !hasBlocks {
		if isConversation {
			st.breakdown.Conversation.Bytes += lineBytes
		} else {
			st.breakdown.Other.Bytes += lineBytes
		}
		st.noteUsage(raw, kind)
		return
	}

	var attributed int64
	for _, block := range blocks {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case transcript.BlockToolResult:
			size := jsonLen(m)
			st.breakdown.ToolResults.Bytes += size
			st.breakdown.ToolResults.Count++
			st.messages.ToolResults++
			attributed += size
		case transcript.BlockThinking:
			// Only the cryptographic signature is overhead; the thinking
			// text itself stays with the conversation remainder.
			if sig, ok := m["signature"].(string); ok {
				size := int64(len(sig))
				st.breakdown.ThinkingSignatures.Bytes += size
				st.breakdown.ThinkingSignatures.Count++
				attributed += size
			}
		case transcript.BlockToolUse:
			size := jsonLen(m)
			st.breakdown.ToolUseRequests.Bytes += size
			st.breakdown.ToolUseRequests.Count++
			attributed += size
		}
	}

	remainder := lineBytes - attributed
	if remainder < 0 {
		remainder = 0
	}
	if isConversation {
		st.breakdown.Conversation.Bytes += remainder
	} else {
		st.breakdown.Other.Bytes += remainder
	}

	st.noteUsage(raw, kind)
}

// noteUsage tracks the last non-zero API-reported input total, updating only
// when the value changes: streaming chunks of the same API call repeat the
// same usage object.
func (st *state) noteUsage(raw []byte, kind transcript.Kind) {
	if kind != transcript.KindAssistant {
		return
	}
	usage, ok := transcript.ExtractUsage(raw)
	if !ok {
		return
	}
	total := usage.TotalInput()
	if total == 0 || total == st.lastAPITokens {
		return
	}
	st.lastAPITokens = total
	st.charsAtLastAPISeen = st.contentChars
	st.sawAPITokens = true
}

// reset zeroes the buckets and counters at a compaction boundary. The
// summary text becomes the new content-chars baseline so the delta since the
// last API report stays correct.
func (st *state) reset(summary string) {
	st.breakdown = Breakdown{}
	st.messages = MessageCount{}
	st.total = 0
	st.contentChars = int64(len(summary))
	st.charsAtLastAPISeen = st.contentChars
}

func (st *state) finish() *Analysis {
	a := &Analysis{
		TotalBytes:   st.total,
		ContextLimit: ContextLimit,
		Breakdown:    st.breakdown,
		MessageCount: st.messages,
	}

	if st.sawAPITokens {
		delta := st.contentChars - st.charsAtLastAPISeen
		if delta < 0 {
			delta = 0
		}
		a.EstimatedTokens = st.lastAPITokens + int(delta)/CharsPerToken
	} else {
		a.EstimatedTokens = int(st.contentChars)/CharsPerToken + SystemOverheadTokens
	}

	a.ContextUsedPercent = a.EstimatedTokens * 100 / ContextLimit

	if st.total > 0 {
		pct := func(b int64) float64 { return float64(b) / float64(st.total) * 100 }
		a.Breakdown.ToolResults.Percent = pct(a.Breakdown.ToolResults.Bytes)
		a.Breakdown.ThinkingSignatures.Percent = pct(a.Breakdown.ThinkingSignatures.Bytes)
		a.Breakdown.FileHistory.Percent = pct(a.Breakdown.FileHistory.Bytes)
		a.Breakdown.Conversation.Percent = pct(a.Breakdown.Conversation.Bytes)
		a.Breakdown.ToolUseRequests.Percent = pct(a.Breakdown.ToolUseRequests.Bytes)
		a.Breakdown.Other.Percent = pct(a.Breakdown.Other.Bytes)
	}

	return a
}

// semanticChars counts conversation text: text blocks, thinking text, tool
// inputs serialized and tool result text, recursively. JSON structure and
// image payloads do not contribute.
func semanticChars(rec map[string]any) int64 {
	content := rec["content"]
	if msg, ok := rec["message"].(map[string]any); ok {
		content = msg["content"]
	}
	return contentChars(content)
}

func contentChars(content any) int64 {
	switch c := content.(type) {
	case string:
		return int64(len(c))
	case []any:
		var total int64
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case transcript.BlockText:
				if text, ok := m["text"].(string); ok {
					total += int64(len(text))
				}
			case transcript.BlockThinking:
				if text, ok := m["thinking"].(string); ok {
					total += int64(len(text))
				}
			case transcript.BlockToolUse:
				if input, ok := m["input"]; ok {
					total += jsonLen(input)
				}
			case transcript.BlockToolResult:
				total += contentChars(m["content"])
			}
		}
		return total
	default:
		return 0
	}
}

func jsonLen(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
