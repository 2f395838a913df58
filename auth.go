package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesave/internal/auth"
)

// errDriveNotConfigured is returned by auth commands without an OAuth client.
var errDriveNotConfigured = errors.New("google drive is not configured (set gdrive.client_id)")

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize Google Drive access in the browser",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the saved Google Drive token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

// withAuthManager opens the Google Drive session for one command.
func withAuthManager(ctx context.Context, cc *CLIContext, fn func(*auth.Manager) error) error {
	rdb, err := openRedis(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if rdb != nil {
		defer rdb.Close()
	}

	mgr, err := newAuthManager(cc.Cfg, rdb, cc.Logger)
	if err != nil {
		return err
	}

	if mgr == nil {
		return errDriveNotConfigured
	}

	return fn(mgr)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	cc.Logger.Info("login started")

	return withAuthManager(ctx, cc, func(mgr *auth.Manager) error {
		if err := mgr.Login(ctx); err != nil {
			return fmt.Errorf("login: %w", err)
		}

		cc.Logger.Info("login successful")
		cc.Statusf("Login successful.\n")

		return nil
	})
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	cc.Logger.Info("logout started")

	return withAuthManager(ctx, cc, func(mgr *auth.Manager) error {
		if err := mgr.Revoke(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}

		cc.Logger.Info("logout successful")
		cc.Statusf("Logged out.\n")

		return nil
	})
}
