package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowcore/internal/config"
	"flowcore/pkg/logx"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.NewManager(path, logx.Nop()).Parse()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		driver := "none"
		if cfg.Storage != nil && cfg.Storage.Driver != "" {
			driver = cfg.Storage.Driver
		}
		fmt.Fprintf(out, "%s: ok\n", path)
		fmt.Fprintf(out, "  resource monitor: %v\n", cfg.Resource.Enabled)
		fmt.Fprintf(out, "  pool workers:     %d..%d\n", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
		fmt.Fprintf(out, "  auto shutdown:    %v\n", cfg.Scheduler.AutoShutdown.Enabled)
		fmt.Fprintf(out, "  storage:          %s\n", driver)
		fmt.Fprintf(out, "  diagnostics:      %v\n", cfg.Diagnostics.Enabled)
		return nil
	},
}
