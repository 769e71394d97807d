package workflow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// TranscriptSummary is the structured result of analyzing a session's JSONL
// transcript.
type TranscriptSummary struct {
	UserMessages      int
	AssistantMessages int
	ToolCalls         map[string]int
	FilesTouched      []string
	LastUserPrompt    string
	Malformed         int
}

// AnalyzeTranscript reads a JSONL transcript (one object per line, empty
// lines skipped) and aggregates activity. Malformed lines are counted, not
// fatal.
func AnalyzeTranscript(path string) (*TranscriptSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	sum := &TranscriptSummary{ToolCalls: map[string]int{}}
	files := map[string]struct{}{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			sum.Malformed++
			continue
		}
		analyzeEntry(entry, sum, files)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	for f := range files {
		sum.FilesTouched = append(sum.FilesTouched, f)
	}
	sort.Strings(sum.FilesTouched)
	return sum, nil
}

func analyzeEntry(entry map[string]any, sum *TranscriptSummary, files map[string]struct{}) {
	role, _ := entry["role"].(string)
	if role == "" {
		if t, _ := entry["type"].(string); t != "" {
			role = t
		}
	}

	switch role {
	case "user", "human":
		sum.UserMessages++
		if text := entryText(entry); text != "" && !strings.HasPrefix(text, "/") {
			sum.LastUserPrompt = text
		}
	case "assistant":
		sum.AssistantMessages++
	}

	// Tool invocations appear either as a top-level tool_name or inside an
	// assistant content list of tool_use blocks.
	if name, _ := entry["tool_name"].(string); name != "" {
		sum.ToolCalls[name]++
		recordToolFile(entry["tool_input"], files)
	}
	if content, ok := entry["content"].([]any); ok {
		for _, block := range content {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "tool_use" {
				if name, _ := m["name"].(string); name != "" {
					sum.ToolCalls[name]++
					recordToolFile(m["input"], files)
				}
			}
		}
	}
}

func recordToolFile(input any, files map[string]struct{}) {
	m, ok := input.(map[string]any)
	if !ok {
		return
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if p, _ := m[key].(string); p != "" {
			files[p] = struct{}{}
		}
	}
}

func entryText(entry map[string]any) string {
	switch c := entry["content"].(type) {
	case string:
		return strings.TrimSpace(c)
	case []any:
		for _, block := range c {
			if m, ok := block.(map[string]any); ok {
				if t, _ := m["type"].(string); t == "text" {
					if s, _ := m["text"].(string); s != "" {
						return strings.TrimSpace(s)
					}
				}
			}
		}
	}
	if s, _ := entry["text"].(string); s != "" {
		return strings.TrimSpace(s)
	}
	return ""
}

// Markdown renders the summary with optional git enrichment.
func (s *TranscriptSummary) Markdown(gitStatus string, recentCommits []string, worktreeBranch string) string {
	var b strings.Builder
	b.WriteString("## Session activity\n\n")
	fmt.Fprintf(&b, "- Messages: %d user, %d assistant\n", s.UserMessages, s.AssistantMessages)
	if s.LastUserPrompt != "" {
		fmt.Fprintf(&b, "- Last prompt: %s\n", s.LastUserPrompt)
	}

	if len(s.ToolCalls) > 0 {
		names := make([]string, 0, len(s.ToolCalls))
		for n := range s.ToolCalls {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("\n### Tool usage\n\n")
		for _, n := range names {
			fmt.Fprintf(&b, "- %s: %d\n", n, s.ToolCalls[n])
		}
	}
	if len(s.FilesTouched) > 0 {
		b.WriteString("\n### Files touched\n\n")
		for _, f := range s.FilesTouched {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if worktreeBranch != "" {
		fmt.Fprintf(&b, "\n### Worktree\n\n- branch: %s\n", worktreeBranch)
	}
	if gitStatus != "" {
		b.WriteString("\n### Uncommitted changes\n\n```\n" + gitStatus + "\n```\n")
	}
	if len(recentCommits) > 0 {
		b.WriteString("\n### Recent commits\n\n")
		for _, c := range recentCommits {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}
