package logparser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}
	return path
}

func TestParseUserMessageEntry(t *testing.T) {
	line := `{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:00Z","cwd":"/p","message":{"role":"user","content":"hello"}}` + "\n"
	path := writeLog(t, line)

	entries, offset, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SessionID != "S" || e.Role != RoleUser || e.Kind != KindMessage || e.Summary != "hello" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if offset != int64(len(line)) {
		t.Errorf("expected offset %d, got %d", len(line), offset)
	}
}

func TestParseEmptyFile(t *testing.T) {
	path := writeLog(t, "")
	entries, offset, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(entries) != 0 || offset != 0 {
		t.Errorf("expected 0 entries and offset 0, got %d entries, offset %d", len(entries), offset)
	}
}

func TestParseSkipsUnknownRecordTypes(t *testing.T) {
	content := `{"type":"progress","sessionId":"S","timestamp":"2024-01-01T10:00:00Z"}` + "\n" +
		`{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:01Z","message":{"role":"user","content":"hi"}}` + "\n"
	path := writeLog(t, content)

	entries, _, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected progress entry to be skipped, got %d entries", len(entries))
	}
}

func TestSummaryTruncatedAt200Chars(t *testing.T) {
	longText := strings.Repeat("a", 201)
	content := `{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:00Z","message":{"role":"user","content":"` + longText + `"}}` + "\n"
	path := writeLog(t, content)

	entries, _, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(entries[0].Summary) != 200 {
		t.Fatalf("expected summary length 200, got %d", len(entries[0].Summary))
	}
	if !strings.HasSuffix(entries[0].Summary, "...") {
		t.Errorf("expected truncated summary to end in ellipsis, got %q", entries[0].Summary)
	}
}

func TestFrustrationClassification(t *testing.T) {
	cases := map[string]Frustration{
		"this is wtf broken":     FrustrationSevere,
		"finally it works":       FrustrationModerate,
		"hmm not sure":           FrustrationMild,
		"please help me with this": FrustrationNone,
	}

	for text, want := range cases {
		got := detectFrustration(text)
		if got != want {
			t.Errorf("detectFrustration(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestToolUseClassifiesAsToolCall(t *testing.T) {
	content := `{"type":"assistant","sessionId":"S","timestamp":"2024-01-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/a/b.go"}}]}}` + "\n"
	path := writeLog(t, content)

	entries, _, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	e := entries[0]
	if e.Kind != KindToolCall || e.ToolName != "Edit" || e.FilePath != "/a/b.go" {
		t.Errorf("unexpected tool_use entry: %+v", e)
	}
}

func TestToolResultErrorDetection(t *testing.T) {
	content := `{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:00Z","message":{"role":"tool","content":[{"type":"tool_result","content":"Error: file not found"}]}}` + "\n"
	path := writeLog(t, content)

	entries, _, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	e := entries[0]
	if e.Kind != KindToolResult || !e.IsError {
		t.Errorf("expected tool_result with IsError=true, got %+v", e)
	}
}

func TestParseIsIdempotentOverConcatenation(t *testing.T) {
	first := `{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:00Z","message":{"role":"user","content":"hello"}}` + "\n"
	second := `{"type":"user","sessionId":"S","timestamp":"2024-01-01T10:00:01Z","message":{"role":"user","content":"world"}}` + "\n"

	path := writeLog(t, first)
	tick1, offset1, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(tick1) != 1 {
		t.Fatalf("expected 1 entry from first tick, got %d", len(tick1))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if _, err := f.WriteString(second); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	f.Close()

	tick2, _, err := ParseFromPosition(path, offset1)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(tick2) != 1 || tick2[0].Summary != "world" {
		t.Fatalf("expected second tick to see only the new line, got %+v", tick2)
	}

	wholeFile, _, err := ParseFromPosition(path, 0)
	if err != nil {
		t.Fatalf("ParseFromPosition failed: %v", err)
	}
	if len(wholeFile) != 2 {
		t.Fatalf("expected 2 entries parsing from scratch, got %d", len(wholeFile))
	}
}
