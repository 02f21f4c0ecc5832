package app

import (
	"fmt"
	"os"
	"path/filepath"

	"scribe/internal/config"
)

// GetDefaults returns the default config location and data layout, checking
// environment variables first:
//   - SCRIBE_CONFIG_PATH: config file location (default: ~/.config/scribe.toml)
//   - SCRIBE_HOME: base directory for scribe data (default: ~/.local/share/scribe)
//   - SCRIBE_OWNER: owner id written by "config init" (default: a new uuid)
//
// Keys: config_path, base_dir, journal_dir, vault_dir, store_dir, keys_dir,
// log_dir and, when set, owner_id.
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	layout := config.DefaultLayout(baseDir)
	defaults := map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"journal_dir": layout.JournalDir,
		"vault_dir":   layout.VaultDir,
		"store_dir":   layout.StoreDir,
		"keys_dir":    layout.KeysDir,
		"log_dir":     layout.LogDir,
	}
	if owner := os.Getenv("SCRIBE_OWNER"); owner != "" {
		defaults["owner_id"] = owner
	}
	return defaults, nil
}

// getConfigPath returns the config file path, checking SCRIBE_CONFIG_PATH first,
// then falling back to ~/.config/scribe.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SCRIBE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "scribe.toml"), nil
}

// getBaseDir returns the base directory for scribe data. A relative
// SCRIBE_HOME is made absolute, since the store and vault paths derived from
// it are written into the config file.
func getBaseDir() (string, error) {
	if path := os.Getenv("SCRIBE_HOME"); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("cannot resolve SCRIBE_HOME: %w", err)
		}
		return abs, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "scribe"), nil
}
