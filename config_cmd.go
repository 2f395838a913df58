package main

import (
	"encoding/json"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesave/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after env and flag overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config file without applying it",
		Long: `Parse and validate a config file the way a reload would. Run this before
"pagesave reload" to see why a change would be rejected.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigCheck,
	})

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(cc.Cfg)
	}

	if cc.CfgPath != "" {
		cc.Statusf("# effective config, file: %s\n", cc.CfgPath)
	}

	return toml.NewEncoder(os.Stdout).Encode(cc.Cfg)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	path := cc.CfgPath
	if len(args) == 1 {
		path = args[0]
	}

	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := config.Load(path); err != nil {
		return err
	}

	cc.Statusf("%s: ok\n", path)

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"path": path, "valid": true})
	}

	return nil
}
