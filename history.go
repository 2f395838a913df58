package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesave/internal/ledger"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently delivered pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")

	return cmd
}

func runHistory(cmd *cobra.Command, limit int) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	db, err := ledger.Open(ctx, cc.Cfg.DatabasePath(), cc.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	downloads, err := db.History(ctx, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(downloads)
	}

	if len(downloads) == 0 {
		fmt.Println("No deliveries yet.")
		return nil
	}

	printTable(os.Stdout, historyHeaders, historyRows(downloads))

	return nil
}

var historyHeaders = []string{"SAVED", "SINK", "SIZE", "NAME", "LOCATION"}

func historyRows(downloads []ledger.Download) [][]string {
	rows := make([][]string, 0, len(downloads))

	for i := range downloads {
		d := &downloads[i]

		where := d.Locator
		if where == "" {
			where = d.Path
		}

		rows = append(rows, []string{formatTime(d.SavedAt), d.Sink, formatSize(d.Size), d.Filename, where})
	}

	return rows
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reload",
		Short:       "Ask the running server to reload its configuration",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := signalReload(servePIDPath())
			if err != nil {
				return err
			}

			cc.Statusf("Reload signal sent to PID %d.\n", pid)

			return nil
		},
	}
}
