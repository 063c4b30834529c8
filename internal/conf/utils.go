package conf

import (
	"os"
	"path/filepath"
)

const appDirName = "birdnet-census"

// GetDefaultConfigPaths returns the directories searched for config.yaml in
// priority order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDirName))
	}
	return append(paths, filepath.Join("/etc", appDirName))
}

// FindConfigFile returns the first existing config.yaml, or the preferred
// location for a new one when none exists.
func FindConfigFile() (path string, exists bool) {
	paths := GetDefaultConfigPaths()
	for _, dir := range paths {
		candidate := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return filepath.Join(paths[0], "config.yaml"), false
}
