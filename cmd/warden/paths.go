package main

import (
	"os"
	"path/filepath"

	"github.com/benaskins/warden/internal/config"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

func defaultConfigPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// socketPath is the control API socket inside the state directory.
func socketPath(cfg *config.Config) string {
	return filepath.Join(cfg.Supervisor.StateDir, "warden.sock")
}

// journalPath defaults the event journal to the state directory.
func journalPath(cfg *config.Config) string {
	if cfg.Journal.Path != "" {
		return cfg.Journal.Path
	}
	return filepath.Join(cfg.Supervisor.StateDir, "events.jsonl")
}
