package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tonimelisma/pagesave/internal/auth"
	"github.com/tonimelisma/pagesave/internal/config"
)

// openRedis connects to Redis when redis.addr is set. Returns nil otherwise.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*goredis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil //nolint:nilnil // nil client = redis disabled
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))

	return client, nil
}

// tokenStore picks where the Google Drive token lives.
func tokenStore(cfg *config.Config, rdb *goredis.Client) (auth.Store, error) {
	if cfg.GDrive.TokenStore == "redis" {
		if rdb == nil {
			return nil, fmt.Errorf("gdrive.token_store is redis but redis.addr is not set")
		}

		return auth.NewRedisStore(rdb, cfg.Redis.TokenKey), nil
	}

	return auth.NewFileStore(cfg.TokenPath()), nil
}

// newAuthManager builds the Google Drive session. Returns nil when no OAuth
// client is configured.
func newAuthManager(cfg *config.Config, rdb *goredis.Client, logger *slog.Logger) (*auth.Manager, error) {
	if cfg.GDrive.ClientID == "" {
		return nil, nil //nolint:nilnil // nil manager = drive disabled
	}

	store, err := tokenStore(cfg, rdb)
	if err != nil {
		return nil, err
	}

	authorizer := &auth.BrowserAuthorizer{
		OpenURL: openBrowser,
		Port:    cfg.GDrive.RedirectPort,
		Logger:  logger,
	}

	return auth.NewManager(
		auth.GoogleConfig(cfg.GDrive.ClientID, cfg.GDrive.ClientSecret),
		store, authorizer, logger,
		auth.WithHTTPClient(defaultHTTPClient()),
	), nil
}

// openBrowser shows the consent URL and tries the platform opener. The URL
// stays on stderr so headless users can copy it.
func openBrowser(url string) error {
	fmt.Fprintf(os.Stderr, "To authorize Google Drive access, visit:\n  %s\n", url)

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return nil //nolint:nilerr // the printed URL is the fallback
	}

	go cmd.Wait() //nolint:errcheck // detached opener

	return nil
}
