package cli

import (
	"github.com/spf13/cobra"

	"github.com/markdave123-py/Somnia/internal/app"
)

var (
	runNoHTTP   bool
	runNoReaper bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pool, reaper and ops HTTP server",
	Long: `Starts the embedding worker pool together with the stale-job reaper and
the operator HTTP API. On SIGINT or SIGTERM polling stops and in-flight jobs
finish before the process exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Run(cmd.Context(), app.RunOptions{HTTP: !runNoHTTP, Reaper: !runNoReaper})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "do not start the ops HTTP server")
	runCmd.Flags().BoolVar(&runNoReaper, "no-reaper", false, "do not run the stale-job reaper in this process")
	rootCmd.AddCommand(runCmd)
}
