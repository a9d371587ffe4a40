package main

import (
	"github.com/spf13/cobra"

	"github.com/psyduckv2/psyduckd/internal/config"
	"github.com/psyduckv2/psyduckd/internal/log"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "psyduckd",
	Short: "Telemetry ingestion daemon for a Pokémon-GO map ecosystem",
	Long: `psyduckd receives webhook events from the scanner fleet, coalesces them
in Redis staging buffers and drains them into partitioned MySQL fact
tables. One worker per fleet is elected leader and runs the flushers,
partition lifecycle, retention cleaner and external-data refreshers.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		log.SetLevel(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./psyduckd.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(partitionsCmd)
}
