// Package logparser decodes the coding assistant's append-only JSON-lines
// session logs into a canonical ParsedEntry stream.
package logparser

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	. "github.com/sqrl-dev/sqrld/internal/logging"
)

// maxLineSize bounds a single JSON line; tool results can embed large file
// contents, so the default bufio.Scanner token limit (64KB) is too small.
const maxLineSize = 10 * 1024 * 1024

// ParseFromPosition reads path from startOffset to end-of-file and returns
// the decoded entries plus the new end-of-stream offset. Unparseable lines
// are skipped, never fatal; only user/assistant/system records become
// entries. The file is opened and closed internally so the caller pays for
// at most one open per tick.
func ParseFromPosition(path string, startOffset int64) ([]ParsedEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, startOffset, err
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return nil, startOffset, err
		}
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	offset := startOffset
	var entries []ParsedEntry

	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1 // + newline

		if len(line) == 0 {
			continue
		}

		entry, ok := parseLine(line)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, offset, err
	}

	return entries, offset, nil
}

func parseLine(line []byte) (ParsedEntry, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		L_debug("logparser: skipping unparseable line", "error", err)
		return ParsedEntry{}, false
	}

	switch raw.Type {
	case "user", "assistant", "system":
	default:
		return ParsedEntry{}, false
	}

	if raw.Message == nil {
		return ParsedEntry{}, false
	}

	ts, ok := parseTimestamp(raw.Timestamp)
	if !ok {
		L_debug("logparser: dropping entry with unparseable timestamp", "sessionId", raw.SessionID)
		return ParsedEntry{}, false
	}

	role := Role(raw.Message.Role)
	flat := flattenContent(raw.Message.Content)

	entry := ParsedEntry{
		SessionID:   raw.SessionID,
		ProjectRoot: raw.Cwd,
		Timestamp:   ts,
		Role:        role,
		Kind:        flat.kind,
		Summary:     flat.summary,
		ToolName:    flat.toolName,
		FilePath:    flat.filePath,
	}

	if flat.kind == KindToolResult {
		entry.Role = RoleTool
		entry.IsError = flat.toolResultIsError
	}

	if role == RoleUser && flat.kind == KindMessage {
		entry.Frustration = detectFrustration(flat.summary)
	}

	return entry, true
}
