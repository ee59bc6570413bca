package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChrisDover/centinela-intel-sub001/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "  Listen address: %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(out, "  Database path: %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Provider: %s\n", cfg.Provider.Type)
	fmt.Fprintf(out, "  Batch size: %d (delay %s, horizon %s)\n",
		cfg.Dispatch.BatchSize, cfg.Dispatch.BatchDelay, cfg.Dispatch.Horizon)
	fmt.Fprintf(out, "  Quotas: %v\n", cfg.Quota.Enabled())
	fmt.Fprintf(out, "  Scheduled jobs: %v\n", cfg.Jobs.Enabled)
	if cfg.Jobs.Enabled {
		fmt.Fprintf(out, "    daily:    %s\n", cfg.Jobs.DailySchedule)
		fmt.Fprintf(out, "    dispatch: %s\n", cfg.Jobs.DispatchSchedule)
		fmt.Fprintf(out, "    cleanup:  %s\n", cfg.Jobs.CleanupSchedule)
	}
	lockBackend := "local"
	if cfg.Redis.Addr != "" {
		lockBackend = "redis " + cfg.Redis.Addr
	}
	fmt.Fprintf(out, "  Job locks: %s\n", lockBackend)
	fmt.Fprintf(out, "  Metrics: %v\n", cfg.Metrics.Enabled)

	return nil
}
