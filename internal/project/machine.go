package project

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	machineOnce sync.Once
	machineID   string
)

// MachineID returns a stable identifier for this host. It prefers a
// persisted ~/.gobby/machine_id and falls back to a hostname digest, so the
// id survives hostname churn once written.
func MachineID() string {
	machineOnce.Do(func() {
		machineID = loadOrDeriveMachineID()
	})
	return machineID
}

func loadOrDeriveMachineID() string {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".gobby", "machine_id")
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
		id := deriveMachineID()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
		}
		return id
	}
	return deriveMachineID()
}

func deriveMachineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:8])
}
