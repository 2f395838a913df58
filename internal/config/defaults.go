package config

// Default values for configuration options. These are layer 0 of the override
// chain and work without any config file.
const (
	defaultListen               = "127.0.0.1:8700"
	defaultMaxMessageSize       = "64MiB"
	defaultMaxBlobSize          = "2GiB"
	defaultWriteTimeout         = "30s"
	defaultPromptTimeout        = "5m"
	defaultConflictAction       = "uniquify"
	defaultReplacementCharacter = "_"
	defaultParallelDeliveries   = 4
	defaultBandwidthLimit       = "0"
	defaultGDriveFolder         = "pagesave"
	defaultGDriveChunkSize      = "8MiB"
	defaultTokenStore           = "file"
	defaultGitHubBranch         = "main"
	defaultGitHubAPIURL         = "https://api.github.com"
	defaultGitHubMessage        = "Add {filename}"
	defaultS3Region             = "us-east-1"
	defaultRedisChannel         = "pagesave:events"
	defaultRedisTokenKey        = "pagesave:gdrive:token"
	defaultLogLevel             = "info"
	defaultLogFormat            = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is the
// starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Listen:         defaultListen,
			MaxMessageSize: defaultMaxMessageSize,
			MaxBlobSize:    defaultMaxBlobSize,
			WriteTimeout:   defaultWriteTimeout,
			PromptTimeout:  defaultPromptTimeout,
		},
		Delivery: DeliveryConfig{
			DownloadDir:          DefaultDownloadDir(),
			ConflictAction:       defaultConflictAction,
			ReplacementCharacter: defaultReplacementCharacter,
			ParallelDeliveries:   defaultParallelDeliveries,
			BandwidthLimit:       defaultBandwidthLimit,
			ReplaceBookmarkURL:   true,
		},
		GDrive: GDriveConfig{
			Folder:     defaultGDriveFolder,
			ChunkSize:  defaultGDriveChunkSize,
			TokenStore: defaultTokenStore,
		},
		GitHub: GitHubConfig{
			Branch:  defaultGitHubBranch,
			APIURL:  defaultGitHubAPIURL,
			Message: defaultGitHubMessage,
		},
		S3: S3Config{
			Region: defaultS3Region,
		},
		Redis: RedisConfig{
			Channel:  defaultRedisChannel,
			TokenKey: defaultRedisTokenKey,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
