package cmd

import (
	"os"

	"github.com/duraflow/agentrun/internal/api"
	"github.com/duraflow/agentrun/internal/config"
	"github.com/duraflow/agentrun/internal/telemetry"
	"github.com/spf13/cobra"
)

var temporalWorkerCmd = &cobra.Command{
	Use:   "temporal-worker",
	Short: "Start the Temporal-backed run engine worker",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		os.Setenv("OTEL_SERVICE_NAME", "temporal-worker")

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.StartTemporalWorker()
	},
}

// Register the "temporal-worker" command
func init() {
	rootCmd.AddCommand(temporalWorkerCmd)
}
