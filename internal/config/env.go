package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "PAGESAVE_CONFIG"
	EnvDownloadDir = "PAGESAVE_DOWNLOAD_DIR"
	EnvListen      = "PAGESAVE_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // PAGESAVE_CONFIG: override config file path
	DownloadDir string // PAGESAVE_DOWNLOAD_DIR: local save directory
	Listen      string // PAGESAVE_LISTEN: websocket listen address
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		DownloadDir: os.Getenv(EnvDownloadDir),
		Listen:      os.Getenv(EnvListen),
	}
}
