package cli

import (
	"github.com/spf13/cobra"

	"sale-discount-alerts/internal/app"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <batch-file>",
	Short: "Load a scraper output batch into the observation log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{
			Path: args[0],
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}
