package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/config"
)

// Codex has no native hook system; it only supports a notify program. The
// installed script forwards each notification to the daemon's hook endpoint.
const codexDispatcherScript = `#!/usr/bin/env python3
"""Forwards Codex notify payloads to the gobby daemon."""
import json
import os
import sys
import urllib.request

DAEMON = os.environ.get("GOBBY_URL", "http://127.0.0.1:7077")


def main():
    if len(sys.argv) < 2:
        return
    try:
        payload = json.loads(sys.argv[1])
    except json.JSONDecodeError:
        payload = {"raw": sys.argv[1]}

    body = json.dumps({
        "hook_type": payload.get("type", "agent-turn-complete"),
        "source": "codex",
        "input_data": payload,
    }).encode()
    req = urllib.request.Request(
        DAEMON + "/hooks/execute",
        data=body,
        headers={"Content-Type": "application/json"},
    )
    try:
        urllib.request.urlopen(req, timeout=5)
    except Exception:
        pass  # notify is fire-and-forget; never break the CLI


if __name__ == "__main__":
    main()
`

var notifyLine = regexp.MustCompile(`(?m)^\s*notify\s*=.*$`)

func hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Install CLI hook integrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install [cli]",
		Short: "Install the hook dispatcher for a CLI (codex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "codex":
				return installCodexHooks()
			default:
				return fmt.Errorf("unknown cli %q; supported: codex", args[0])
			}
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall [cli]",
		Short: "Remove the hook dispatcher for a CLI (codex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "codex":
				return uninstallCodexHooks()
			default:
				return fmt.Errorf("unknown cli %q; supported: codex", args[0])
			}
		},
	})
	return cmd
}

func installCodexHooks() error {
	gobbyDir, err := config.GobbyDir()
	if err != nil {
		return err
	}
	scriptDir := filepath.Join(gobbyDir, "hooks", "codex")
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", scriptDir, err)
	}
	scriptPath := filepath.Join(scriptDir, "hook_dispatcher.py")
	if err := os.WriteFile(scriptPath, []byte(codexDispatcherScript), 0o755); err != nil {
		return fmt.Errorf("write dispatcher: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	tomlPath := filepath.Join(home, ".codex", "config.toml")
	entry := fmt.Sprintf("notify = [%q, %q]", "python3", scriptPath)

	data, err := os.ReadFile(tomlPath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(tomlPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(tomlPath, []byte(entry+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Println("installed codex hooks (created config.toml)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read codex config: %w", err)
	}

	if err := os.WriteFile(tomlPath+".bak", data, 0o644); err != nil {
		return fmt.Errorf("back up codex config: %w", err)
	}
	var updated string
	if notifyLine.Match(data) {
		updated = notifyLine.ReplaceAllString(string(data), entry)
	} else {
		updated = string(data)
		if updated != "" && updated[len(updated)-1] != '\n' {
			updated += "\n"
		}
		updated += entry + "\n"
	}
	if err := os.WriteFile(tomlPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("update codex config: %w", err)
	}
	fmt.Println("installed codex hooks (previous config saved to config.toml.bak)")
	return nil
}

func uninstallCodexHooks() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	tomlPath := filepath.Join(home, ".codex", "config.toml")
	data, err := os.ReadFile(tomlPath)
	if os.IsNotExist(err) {
		fmt.Println("codex hooks not installed")
		return nil
	}
	if err != nil {
		return err
	}
	if notifyLine.Match(data) {
		if err := os.WriteFile(tomlPath+".bak", data, 0o644); err != nil {
			return err
		}
		updated := notifyLine.ReplaceAllString(string(data), "")
		if err := os.WriteFile(tomlPath, []byte(updated), 0o644); err != nil {
			return err
		}
	}

	gobbyDir, err := config.GobbyDir()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(gobbyDir, "hooks", "codex")); err != nil {
		return err
	}
	fmt.Println("uninstalled codex hooks")
	return nil
}
