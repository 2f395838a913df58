package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
	"unicode/utf8"
)

// Validation range constants.
const (
	minMessageSize     = 64 // smallest frame bound the codec accepts
	maxMessageSize     = 256 << 20
	minDeliveries      = 1
	maxDeliveries      = 64
	minGDriveChunk     = 256 << 10
	gdriveChunkAlign   = 256 << 10 // resumable upload chunks are multiples of 256 KiB
	minWriteTimeout    = 1 * time.Second
	minPromptTimeout   = 5 * time.Second
	maxRedirectPortNum = 65535
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateTransport(&cfg.Transport)...)
	errs = append(errs, validateDelivery(&cfg.Delivery)...)
	errs = append(errs, validateGDrive(&cfg.GDrive)...)
	errs = append(errs, validateURL("webdav.url", cfg.WebDAV.URL)...)
	errs = append(errs, validateURL("github.api_url", cfg.GitHub.APIURL)...)
	errs = append(errs, validateURL("s3.endpoint", cfg.S3.Endpoint)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db: must be >= 0, got %d", cfg.Redis.DB))
	}

	return errors.Join(errs...)
}

func validateTransport(t *TransportConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(t.Listen); err != nil {
		errs = append(errs, fmt.Errorf("transport.listen: %w", err))
	}

	errs = append(errs, validateSizeRange("transport.max_message_size", t.MaxMessageSize, minMessageSize, maxMessageSize)...)

	if n, err := ParseSize(t.MaxBlobSize); err != nil {
		errs = append(errs, fmt.Errorf("transport.max_blob_size: %w", err))
	} else if n == 0 {
		errs = append(errs, errors.New("transport.max_blob_size: must be > 0"))
	}

	errs = append(errs, validateDurationMin("transport.write_timeout", t.WriteTimeout, minWriteTimeout)...)
	errs = append(errs, validateDurationMin("transport.prompt_timeout", t.PromptTimeout, minPromptTimeout)...)

	return errs
}

var validConflictActions = map[string]bool{
	"uniquify":  true,
	"skip":      true,
	"overwrite": true,
	"prompt":    true,
}

func validateDelivery(d *DeliveryConfig) []error {
	var errs []error

	if d.DownloadDir == "" {
		errs = append(errs, errors.New("delivery.download_dir: must not be empty"))
	}

	if !validConflictActions[d.ConflictAction] {
		errs = append(errs, fmt.Errorf(
			"delivery.conflict_action: must be one of uniquify, skip, overwrite, prompt; got %q", d.ConflictAction))
	}

	if utf8.RuneCountInString(d.ReplacementCharacter) != 1 {
		errs = append(errs, fmt.Errorf(
			"delivery.replacement_character: must be a single character, got %q", d.ReplacementCharacter))
	}

	if d.ParallelDeliveries < minDeliveries || d.ParallelDeliveries > maxDeliveries {
		errs = append(errs, fmt.Errorf("delivery.parallel_deliveries: must be between %d and %d, got %d",
			minDeliveries, maxDeliveries, d.ParallelDeliveries))
	}

	if _, err := ParseRate(d.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("delivery.bandwidth_limit: %w", err))
	}

	return errs
}

var validTokenStores = map[string]bool{
	"file":  true,
	"redis": true,
}

func validateGDrive(g *GDriveConfig) []error {
	var errs []error

	n, err := ParseSize(g.ChunkSize)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("gdrive.chunk_size: %w", err))
	case n < minGDriveChunk || n%gdriveChunkAlign != 0:
		errs = append(errs, fmt.Errorf("gdrive.chunk_size: must be a multiple of 256KiB, got %q", g.ChunkSize))
	}

	if !validTokenStores[g.TokenStore] {
		errs = append(errs, fmt.Errorf("gdrive.token_store: must be one of file, redis; got %q", g.TokenStore))
	}

	if g.RedirectPort < 0 || g.RedirectPort > maxRedirectPortNum {
		errs = append(errs, fmt.Errorf("gdrive.redirect_port: out of range: %d", g.RedirectPort))
	}

	return errs
}

func validateURL(field, value string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", field, value)}
	}

	return nil
}

func validateSizeRange(field, value string, minimum, maximum int64) []error {
	n, err := ParseSize(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if n < minimum || n > maximum {
		return []error{fmt.Errorf("%s: must be between %d and %d bytes, got %q", field, minimum, maximum, value)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
