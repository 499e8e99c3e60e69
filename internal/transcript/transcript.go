// Package transcript parses an AI coding agent's own conversation
// transcript file (JSONL, one event per line) to recover two things the
// hook payload itself does not carry: the agent's most recent response
// text (for response_summary backfill) and any file paths the agent
// attached to the conversation (for plan-content resolution strategy 3,
// spec.md §4.2.1 step 4).
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// entry is a permissive view over one JSONL transcript line; agent
// transcript formats vary, so every field is optional and best-effort.
type entry struct {
	Role    string          `json:"role"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Text    string          `json:"text"`
}

// fileRefPattern matches the "<code_selection path=\"file://...\">"
// style inline attachment markers some agents (Cursor) embed in
// transcript content, per the source system's plan resolution strategy.
var fileRefPattern = regexp.MustCompile(`path=["']file://([^"']+)["']`)

// ExtractAttachedFilePaths reads transcriptPath and returns every
// attached file path found, in file order (oldest first); callers that
// want most-recent-first should iterate the result in reverse, matching
// resolve_plan_content's preference for the latest attachment.
func ExtractAttachedFilePaths(transcriptPath string) ([]string, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		text := flattenContent(e)
		for _, m := range fileRefPattern.FindAllStringSubmatch(text, -1) {
			p := m[1]
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	return paths, scanner.Err()
}

// flattenContent extracts plain text from an entry whether Content is a
// bare string or a structured content-block array (the common shape for
// multi-part assistant turns).
func flattenContent(e entry) string {
	if e.Text != "" {
		return e.Text
	}
	if len(e.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(e.Content, &asString); err == nil {
		return asString
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
			sb.WriteString("\n")
		}
		return sb.String()
	}
	return string(e.Content)
}

// LastAssistantResponse scans transcriptPath and returns the text of the
// last assistant-role entry, used to backfill a PromptBatch's
// response_summary when the hook payload omitted it (spec.md §4.2.1
// step 2).
func LastAssistantResponse(transcriptPath string) (string, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Role != "assistant" && e.Type != "assistant" {
			continue
		}
		if text := flattenContent(e); text != "" {
			last = text
		}
	}
	return last, scanner.Err()
}
