package config

import (
	"os"
	"path/filepath"
)

// DefaultPath returns the first config file that exists among the standard
// locations, or "" when none does. It prefers an explicit TOIL_CONFIG, then
// XDG, then system and home locations.
func DefaultPath() string {
	if p := os.Getenv("TOIL_CONFIG"); p != "" {
		return p
	}
	candidates := []string{}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "toil", "config.json"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "toil", "config.json"),
			filepath.Join(homeDir, ".toil.json"))
	}
	candidates = append(candidates, "/etc/toil/config.json")
	for _, c := range candidates {
		if isFile(c) {
			return c
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
