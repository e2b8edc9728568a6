package config

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePaths expands ~ and makes storage and workspace paths absolute.
func (c *Config) resolvePaths() {
	c.Storage.Path = resolvePath(c.Storage.Path)
	c.Workspaces.Root = resolvePath(c.Workspaces.Root)
	c.Log.Dir = resolvePath(c.Log.Dir)
	if c.Workspaces.Container.BaseImage != "" {
		c.Workspaces.Container.BaseImage = resolvePath(c.Workspaces.Container.BaseImage)
	}
}

func resolvePath(path string) string {
	path = expandHomeDir(path)
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
