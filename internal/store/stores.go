package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Projects      ProjectStore
	Sessions      SessionStore
	Tasks         TaskStore
	Worktrees     WorktreeStore
	WorkflowState WorkflowStateStore
	MCP           MCPStore
	Secrets       SecretStore
}
