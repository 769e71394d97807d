package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobbyhq/gobby/internal/store"
)

// Completer is a minimal LLM completion surface. Implementations live at the
// daemon boundary (provider API keys come from the secret store).
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer turns a transcript summary into a handoff document via an
// LLM completion.
type LLMSummarizer struct {
	completer Completer
}

func NewLLMSummarizer(c Completer) *LLMSummarizer {
	return &LLMSummarizer{completer: c}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, transcript *TranscriptSummary, sess *store.Session) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this coding session for handoff to a fresh session. ")
	b.WriteString("Cover: what was being worked on, what was completed, what remains, ")
	b.WriteString("and any decisions made. Be concise, use markdown.\n\n")
	fmt.Fprintf(&b, "Session source: %s\n", sess.Source)
	b.WriteString(transcript.Markdown("", nil, ""))

	out, err := s.completer.Complete(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("handoff summary: %w", err)
	}
	return strings.TrimSpace(out), nil
}
