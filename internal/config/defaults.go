// Package config handles per-root configuration loading and validation for watchd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory used for the
// saved watch list and other daemon state.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/watchd/
//   - Linux:   $XDG_DATA_HOME/watchd/ or ~/.local/share/watchd/
//   - Windows: %APPDATA%\watchd\
//
// Falls back to ~/.watchd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "watchd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return fallbackDataDir()
		}
		return filepath.Join(appData, "watchd")
	case "linux":
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, _ := os.UserHomeDir()
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, "watchd")
	default:
		return fallbackDataDir()
	}
}

func fallbackDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".watchd"
	}
	return filepath.Join(homeDir, ".watchd")
}
