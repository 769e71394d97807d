package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
)

// Spawn modes.
const (
	ModeTerminal = "terminal"
	ModeEmbedded = "embedded"
	ModeHeadless = "headless"
)

// SpawnRequest carries everything a spawner needs to launch one child agent.
type SpawnRequest struct {
	Provider     string
	Model        string
	Prompt       string
	WorktreePath string
	BranchName   string
	TaskID       string
	SessionID    string
}

// Spawner launches a child agent and returns an opaque agent id (a PID, a
// window id, or a runner-assigned handle depending on the mode).
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, req SpawnRequest) (string, error)

func (f SpawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	return f(ctx, req)
}

// Registry maps spawn modes to spawners.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
}

func NewRegistry() *Registry {
	return &Registry{spawners: make(map[string]Spawner)}
}

func (r *Registry) Register(mode string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[mode] = s
}

func (r *Registry) Get(mode string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.spawners[mode]
	if !ok {
		return nil, fmt.Errorf("no spawner registered for mode %q (have %v)", mode, r.modes())
	}
	return s, nil
}

func (r *Registry) modes() []string {
	out := make([]string, 0, len(r.spawners))
	for m := range r.spawners {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// providerCommand maps a provider name to its CLI binary and model flag.
func providerCommand(provider, model string) (string, []string) {
	var bin string
	var args []string
	switch provider {
	case "gemini":
		bin = "gemini"
		if model != "" {
			args = append(args, "-m", model)
		}
	case "codex":
		bin = "codex"
		if model != "" {
			args = append(args, "--model", model)
		}
	default:
		bin = "claude"
		if model != "" {
			args = append(args, "--model", model)
		}
	}
	return bin, args
}

// HeadlessSpawner runs the provider CLI as a detached process in the
// worktree, feeding the prompt as the initial instruction and logging output
// to a file inside the worktree.
type HeadlessSpawner struct{}

func (HeadlessSpawner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	bin, args := providerCommand(req.Provider, req.Model)
	args = append(args, "-p", req.Prompt)

	logPath := filepath.Join(req.WorktreePath, ".gobby-agent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open agent log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(bin, args...)
	cmd.Dir = req.WorktreePath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	// The child outlives the orchestrate call; reap it in the background so
	// it never becomes a zombie.
	go func() { _ = cmd.Wait() }()
	return fmt.Sprintf("pid:%d", pid), nil
}

// TerminalSpawner opens the provider CLI in a new terminal window. Command is
// the terminal launcher invoked as Command + ["-e", shellCommand] (or with
// Args substituted when set).
type TerminalSpawner struct {
	// Command is the terminal emulator binary, e.g. "x-terminal-emulator" or
	// "open" on macOS. Empty means spawning fails with a clear error so
	// callers fall back to headless.
	Command string
	Args    []string
}

func (t TerminalSpawner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if t.Command == "" {
		return "", fmt.Errorf("no terminal emulator configured")
	}
	bin, provArgs := providerCommand(req.Provider, req.Model)
	shellCmd := bin
	for _, a := range provArgs {
		shellCmd += " " + a
	}

	args := append([]string{}, t.Args...)
	args = append(args, "-e", shellCmd)
	cmd := exec.Command(t.Command, args...)
	cmd.Dir = req.WorktreePath
	cmd.Env = append(os.Environ(), "GOBBY_AGENT_PROMPT="+req.Prompt)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("open terminal: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return fmt.Sprintf("term:%d", pid), nil
}

// DefaultRegistry wires the built-in spawners. Embedded mode needs an
// in-process runner and is registered by the daemon when one is available.
func DefaultRegistry(terminalCommand string) *Registry {
	r := NewRegistry()
	r.Register(ModeHeadless, HeadlessSpawner{})
	r.Register(ModeTerminal, TerminalSpawner{Command: terminalCommand})
	return r
}
