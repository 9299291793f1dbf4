package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gainium/paper-trading-sh/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	// Make sure the sqlite database directory exists before the driver
	// tries to create the file inside it.
	if dir := databaseDir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage directory %s: %w", dir, err)
		}
	}

	return nil
}

// databaseDir extracts the parent directory from a sqlite path. DSN forms
// ("file:...?...") and in-memory databases yield "".
func databaseDir(path string) string {
	if strings.Contains(path, ":memory:") {
		return ""
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}
