package orchestrator

import (
	"fmt"
	"strings"

	"github.com/gobbyhq/gobby/internal/store"
)

// BuildPrompt renders the instruction prompt for a child agent working on
// task. The closing instructions tell the agent how to hand the result back
// through the task store.
func BuildPrompt(task *store.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	fmt.Fprintf(&b, "Task ID: %s (ref #%d)\n", task.ID, task.SeqNum)
	if task.TaskType != "" {
		fmt.Fprintf(&b, "Category: %s\n", task.TaskType)
	}
	if task.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", task.Description)
	}
	if task.ValidationStatus == store.ValidationPending {
		b.WriteString("\nValidation is pending for this task; make sure the acceptance criteria in the description are verifiable before closing.\n")
	}

	fmt.Fprintf(&b, `
## Instructions

You are working in an isolated git worktree on a dedicated branch. When the
work is complete:

1. Commit your changes with a message that starts with [%s].
2. Close the task: close_task(task_id="%s", commit_sha=<your commit>).
3. If you are blocked, add a comment to the task explaining why instead of
   closing it.

Do not switch branches or touch files outside this worktree.
`, task.ID, task.ID)

	return b.String()
}
