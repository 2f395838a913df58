package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pagesave/internal/config"
	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/delivery"
	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/gdrive"
	"github.com/tonimelisma/pagesave/internal/ledger"
	"github.com/tonimelisma/pagesave/internal/server"
	"github.com/tonimelisma/pagesave/internal/spool"
	"github.com/tonimelisma/pagesave/internal/transfer"
)

func newServeCmd() *cobra.Command {
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept pages from producers and deliver them",
		Long: `Run the websocket endpoint producers connect to.

Each connection is one channel. Completed pages are saved locally or sent to
the cloud sink the producer asked for. The configuration file is reloaded on
change and on SIGHUP (see "pagesave reload").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, nonInteractive)
		},
	}

	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false,
		"never open a browser for Google Drive; fail deliveries that need a login")

	return cmd
}

func runServe(cmd *cobra.Command, nonInteractive bool) error {
	cc := mustCLIContext(cmd.Context())
	cfg, logger := cc.Cfg, cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	release, err := lockPIDFile(servePIDPath())
	if err != nil {
		return err
	}
	defer release()

	holder := config.NewHolder(cfg, cc.CfgPath, func() (*config.Config, error) {
		next, _, err := config.Resolve(config.ReadEnvOverrides(), overridesFrom(cmd, cc.Flags))
		return next, err
	})

	frameSize, err := config.ParseSize(cfg.Transport.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("transport.max_message_size: %w", err)
	}

	codec, err := frame.NewCodec(int(frameSize))
	if err != nil {
		return err
	}

	db, err := ledger.Open(ctx, cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if rdb != nil {
		defer rdb.Close()
	}

	authMgr, err := newAuthManager(cfg, rdb, logger)
	if err != nil {
		return err
	}

	factoryOpts := delivery.FactoryOptions{
		Holder:         holder,
		NonInteractive: nonInteractive,
		HTTPClient:     defaultHTTPClient(),
		Logger:         logger,
	}

	var cloudAuth server.CloudAuth

	if authMgr != nil {
		factoryOpts.Auth = authMgr
		factoryOpts.Drive = gdrive.NewClient("", "", defaultHTTPClient(), logger)
		cloudAuth = authMgr
	}

	blobLimit, err := config.ParseSize(cfg.Transport.MaxBlobSize)
	if err != nil {
		return fmt.Errorf("transport.max_blob_size: %w", err)
	}

	sp, err := spool.New(filepath.Join(config.DefaultCacheDir(), "spool"), blobLimit, logger)
	if err != nil {
		return err
	}

	sp.Clean()
	defer sp.Clean()

	writeTimeout, promptTimeout, err := transportTimeouts(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Registry:      transfer.NewRegistry(codec, logger),
		Codec:         codec,
		Spool:         sp,
		URLs:          db,
		Auth:          cloudAuth,
		WriteTimeout:  writeTimeout,
		PromptTimeout: promptTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	notifiers := delivery.MultiNotifier{delivery.LogNotifier{Logger: logger}, srv}
	if rdb != nil && cfg.Redis.Channel != "" {
		notifiers = append(notifiers, delivery.NewRedisNotifier(rdb, cfg.Redis.Channel, logger))
	}

	action, err := conflict.ParseAction(cfg.Delivery.ConflictAction)
	if err != nil {
		return err
	}

	orch, err := delivery.New(delivery.Options{
		Sinks:              delivery.NewFactory(factoryOpts),
		Policy:             conflict.NewPolicy(db, logger),
		Notifier:           notifiers,
		Bookmarks:          db,
		Recorder:           db,
		Foreground:         srv,
		Prompter:           srv,
		Codec:              codec,
		DefaultAction:      action,
		ConfirmFilename:    cfg.Delivery.ConfirmFilename,
		ReplaceBookmarkURL: cfg.Delivery.ReplaceBookmarkURL,
		Workers:            cfg.Delivery.ParallelDeliveries,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	srv.SetOrchestrator(orch)

	onReload(ctx, logger, func() {
		if _, err := holder.Reload(); err != nil {
			logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))
			return
		}

		logger.Info("config reloaded", slog.Uint64("generation", holder.Generation()))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Transport.Listen) })

	if _, err := os.Stat(holder.Path()); err == nil {
		g.Go(func() error {
			if err := config.Watch(gctx, holder, logger, nil); err != nil {
				logger.Warn("config watch stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	cc.Statusf("Listening on %s, saving to %s\n", cfg.Transport.Listen, cfg.Delivery.DownloadDir)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("serve stopped")

	return nil
}

func transportTimeouts(cfg *config.Config) (write, prompt time.Duration, err error) {
	write, err = time.ParseDuration(cfg.Transport.WriteTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("transport.write_timeout: %w", err)
	}

	prompt, err = time.ParseDuration(cfg.Transport.PromptTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("transport.prompt_timeout: %w", err)
	}

	return write, prompt, nil
}

// overridesFrom rebuilds the CLI layer of the override chain for reloads.
func overridesFrom(cmd *cobra.Command, flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("listen") {
		cli.Listen = &flags.Listen
	}

	if cmd.Flags().Changed("download-dir") {
		cli.DownloadDir = &flags.DownloadDir
	}

	return cli
}
