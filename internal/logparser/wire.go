package logparser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rawLine is the on-disk shape of one JSON-lines record, as produced by the
// coding assistant. Unknown record types (progress, summary,
// file-history-snapshot, queue-op) decode fine but are dropped by parseLine,
// which keeps only user, assistant and system records.
type rawLine struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp string      `json:"timestamp"`
	Cwd       string      `json:"cwd"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawBlock is a single typed content block. Only the fields relevant to a
// given Type are populated; unrecognized types are ignored by
// flattenContent.
type rawBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Thinking string         `json:"thinking"`
	Name    string          `json:"name"`  // tool_use
	Input   json.RawMessage `json:"input"` // tool_use, may carry file_path|path
	Content json.RawMessage `json:"content"` // tool_result
}

func parseTimestamp(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixNano(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixNano(), true
	}
	return 0, false
}

// flattenResult is the outcome of reducing a message's content blocks.
type flattenResult struct {
	summary      string
	toolName     string
	filePath     string
	kind         Kind
	toolResultIsError bool
	toolResultText    string
	hasToolUse    bool
	hasToolResult bool
}

func flattenContent(content json.RawMessage) flattenResult {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return flattenResult{summary: truncate(asString, maxSummaryLength), kind: KindMessage}
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return flattenResult{kind: KindMessage}
	}

	var parts []string
	var res flattenResult
	res.kind = KindMessage

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, truncate(b.Text, 100))
		case "thinking":
			parts = append(parts, truncate(b.Thinking, 100))
		case "tool_use":
			res.hasToolUse = true
			if res.toolName == "" {
				res.toolName = b.Name
			}
			if res.filePath == "" {
				res.filePath = extractFilePath(b.Input)
			}
			parts = append(parts, truncate(fmt.Sprintf("[tool_use:%s]", b.Name), 100))
		case "tool_result":
			res.hasToolResult = true
			text := stringifyToolResult(b.Content)
			res.toolResultText += text
			parts = append(parts, truncate(text, 100))
		}
	}

	if res.hasToolUse {
		res.kind = KindToolCall
	} else if res.hasToolResult {
		res.kind = KindToolResult
		res.toolResultIsError = isErrorResult(res.toolResultText)
	}

	res.summary = truncate(strings.Join(parts, " "), maxSummaryLength)
	return res
}

func extractFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	if v, ok := m["file_path"].(string); ok {
		return v
	}
	if v, ok := m["path"].(string); ok {
		return v
	}
	return ""
}

func stringifyToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	}
	return string(content)
}
