package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesave/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// httpClientTimeout bounds API calls. Uploads stream through sinks whose own
// contexts decide how long a transfer may take.
const httpClientTimeout = 5 * time.Minute

// skipConfigAnnotation marks commands that load configuration themselves.
const skipConfigAnnotation = "skipConfig"

// CLIFlags holds the persistent flag values.
type CLIFlags struct {
	ConfigPath  string
	Listen      string
	DownloadDir string
	JSON        bool
	Verbose     bool
	Quiet       bool
}

// CLIContext is what PersistentPreRunE hands to every subcommand through the
// command context.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	// closeLog releases the log file, if one was opened.
	closeLog func()
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. Every
// subcommand runs after it, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cli context not initialized")
	}

	return cc
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:     "pagesave",
		Short:   "Receive saved web pages and deliver them",
		Long:    "Receives pages from browser producers over a websocket and saves them locally or to cloud storage.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				cc.closeLog()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Listen, "listen", "", "websocket listen address (host:port)")
	pf.StringVar(&flags.DownloadDir, "download-dir", "", "directory for local saves")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves configuration and builds the logger. Commands
// annotated with skipConfigAnnotation get defaults plus the file if it
// parses, so they still work with a broken config.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), overridesFrom(cmd, flags))
	if err != nil {
		if cmd.Annotations[skipConfigAnnotation] != "true" {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		cfg, cfgPath = config.DefaultConfig(), flags.ConfigPath
	}

	logger, closeLog, err := buildLogger(cfg, flags)
	if err != nil {
		return nil, err
	}

	return &CLIContext{Flags: flags, Cfg: cfg, CfgPath: cfgPath, Logger: logger, closeLog: closeLog}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. Output is text on a
// terminal and JSON otherwise unless log_format says which.
func buildLogger(cfg *config.Config, flags CLIFlags) (*slog.Logger, func(), error) {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		out      io.Writer = os.Stderr
		closeLog func()
		tty      = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	)

	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out, closeLog, tty = f, func() { f.Close() }, false
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch cfg.Logging.LogFormat {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		if tty {
			handler = slog.NewTextHandler(out, opts)
		} else {
			handler = slog.NewJSONHandler(out, opts)
		}
	}

	return slog.New(handler), closeLog, nil
}
