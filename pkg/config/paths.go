package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "squirrelrun"

// ConfigDir is the per-user directory for launcher settings:
// $XDG_CONFIG_HOME/squirrelrun on linux, ~/Library/Application Support/squirrelrun
// on macOS and %AppData%\squirrelrun on windows.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(base, appName), nil
}

func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
