package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appName = "pagesave"

const (
	configFileName   = "config.toml"
	databaseFileName = "pagesave.db"
	tokenFileName    = "gdrive-token.json"
)

// dirKind describes one XDG base directory and where macOS keeps the same
// kind of file.
type dirKind struct {
	env    string   // XDG variable that overrides the Linux default
	linux  []string // path under $HOME on Linux and other Unixes
	darwin []string // path under $HOME on macOS
}

var (
	configDirKind = dirKind{"XDG_CONFIG_HOME", []string{".config"}, []string{"Library", "Application Support"}}
	dataDirKind   = dirKind{"XDG_DATA_HOME", []string{".local", "share"}, []string{"Library", "Application Support"}}
	cacheDirKind  = dirKind{"XDG_CACHE_HOME", []string{".cache"}, []string{"Library", "Caches"}}
)

// appDir resolves k for this platform, or "" when there is no home
// directory. The XDG variable is honoured on Linux only.
func appDir(k dirKind) string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv(k.env); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	parts := k.linux
	if runtime.GOOS == "darwin" {
		parts = k.darwin
	}

	return filepath.Join(append(append([]string{home}, parts...), appName)...)
}

// DefaultConfigDir holds config.toml: $XDG_CONFIG_HOME/pagesave on Linux,
// ~/Library/Application Support/pagesave on macOS.
func DefaultConfigDir() string { return appDir(configDirKind) }

// DefaultDataDir holds the ledger, the token file and the serve PID file.
func DefaultDataDir() string { return appDir(dataDirKind) }

// DefaultCacheDir holds the blob spool and editor scratch files.
func DefaultCacheDir() string { return appDir(cacheDirKind) }

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither PAGESAVE_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDownloadDir returns ~/Downloads, the directory local saves go to
// when download_dir is not configured.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, "Downloads")
}

// DatabasePath returns the ledger database path: the configured value with
// the tilde expanded, or pagesave.db in the data directory.
func (c *Config) DatabasePath() string {
	if c.Delivery.Database != "" {
		return expandTilde(c.Delivery.Database)
	}

	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, databaseFileName)
}

// TokenPath returns the Google Drive token file path.
func (c *Config) TokenPath() string {
	if c.GDrive.TokenFile != "" {
		return expandTilde(c.GDrive.TokenFile)
	}

	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, tokenFileName)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
