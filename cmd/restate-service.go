package cmd

import (
	"github.com/duraflow/agentrun/internal/api"
	"github.com/duraflow/agentrun/internal/config"
	"github.com/duraflow/agentrun/internal/telemetry"
	"github.com/spf13/cobra"
)

var restateWorkerCmd = &cobra.Command{
	Use:   "restate-worker",
	Short: "Start the Restate-backed run engine worker",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.StartRestateWorker()
	},
}

// Register the "restate-worker" command
func init() {
	rootCmd.AddCommand(restateWorkerCmd)
}
