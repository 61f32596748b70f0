package cmd

import (
	"github.com/duraflow/agentrun/internal/api"
	"github.com/duraflow/agentrun/internal/config"
	"github.com/duraflow/agentrun/internal/telemetry"
	"github.com/spf13/cobra"
)

var runEngineServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the run engine HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.Start()
	},
}

// Register the "server" command
func init() {
	rootCmd.AddCommand(runEngineServerCmd)
}
