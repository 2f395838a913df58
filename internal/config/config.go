// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pagesave. Values flow through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	GDrive    GDriveConfig    `toml:"gdrive"`
	WebDAV    WebDAVConfig    `toml:"webdav"`
	GitHub    GitHubConfig    `toml:"github"`
	S3        S3Config        `toml:"s3"`
	Editor    EditorConfig    `toml:"editor"`
	Redis     RedisConfig     `toml:"redis"`
	Logging   LoggingConfig   `toml:"logging"`
}

// TransportConfig controls the producer-facing websocket endpoint.
// max_message_size is the frame bound handed to the codec.
type TransportConfig struct {
	Listen         string `toml:"listen"`
	MaxMessageSize string `toml:"max_message_size"`
	MaxBlobSize    string `toml:"max_blob_size"`
	WriteTimeout   string `toml:"write_timeout"`
	PromptTimeout  string `toml:"prompt_timeout"`
}

// DeliveryConfig controls local saves and the delivery worker pool.
type DeliveryConfig struct {
	DownloadDir          string `toml:"download_dir"`
	ConflictAction       string `toml:"conflict_action"`
	ConfirmFilename      bool   `toml:"confirm_filename"`
	ReplacementCharacter string `toml:"replacement_character"`
	ParallelDeliveries   int    `toml:"parallel_deliveries"`
	BandwidthLimit       string `toml:"bandwidth_limit"`
	ReplaceBookmarkURL   bool   `toml:"replace_bookmark_url"`
	Database             string `toml:"database"`
}

// GDriveConfig holds the OAuth client and upload settings for Google Drive.
type GDriveConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Folder       string `toml:"folder"`
	ChunkSize    string `toml:"chunk_size"`
	TokenFile    string `toml:"token_file"`
	TokenStore   string `toml:"token_store"`
	RedirectPort int    `toml:"redirect_port"`
}

// WebDAVConfig points at a WebDAV collection.
type WebDAVConfig struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// GitHubConfig selects the repository the contents API writes to.
type GitHubConfig struct {
	Token   string `toml:"token"`
	Owner   string `toml:"owner"`
	Repo    string `toml:"repo"`
	Branch  string `toml:"branch"`
	Folder  string `toml:"folder"`
	APIURL  string `toml:"api_url"`
	Message string `toml:"commit_message"`
}

// S3Config configures an S3-compatible object store. Empty credentials fall
// back to the AWS default chain.
type S3Config struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

// EditorConfig is the command used for in-editor opening. "{file}" in Args is
// replaced with the path of the saved page.
type EditorConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// RedisConfig enables the Redis token store and outcome publishing.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
	TokenKey string `toml:"token_key"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit empty value.
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	Listen      *string // --listen flag
	DownloadDir *string // --download-dir flag
}
