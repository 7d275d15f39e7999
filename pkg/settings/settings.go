// Package settings persists client preferences between runs.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Preferences holds the persistable client preferences. Flags override
// them per run; the last explicitly chosen values are what gets saved.
type Preferences struct {
	DisplayName string `json:"displayName"`
	SignalURL   string `json:"signalUrl"`

	// DownloadDir is where received files are assembled. Empty means the
	// OS temp directory.
	DownloadDir string `json:"downloadDir"`
}

// DefaultPreferences returns the out-of-the-box preferences.
func DefaultPreferences() Preferences {
	return Preferences{
		DisplayName: "viewer",
		SignalURL:   "ws://localhost:8080",
	}
}

// configPath resolves the config file location. XDG_CONFIG_HOME wins over
// the platform default config dir.
func configPath() (string, error) {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "kino")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "kino")
	}
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads preferences from the config file. A missing or unparseable
// file yields the defaults, not an error.
func Load() (Preferences, error) {
	prefs := DefaultPreferences()

	path, err := configPath()
	if err != nil {
		return prefs, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, err
	}

	if err := json.Unmarshal(data, &prefs); err != nil {
		return DefaultPreferences(), nil
	}
	return prefs, nil
}

// Save writes preferences to the config file, creating the directory if
// needed.
func Save(prefs Preferences) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
