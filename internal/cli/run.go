package cli

import (
	"github.com/spf13/cobra"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detection and notification pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), runOnce)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Execute a single pass instead of the scheduled loop")
}
