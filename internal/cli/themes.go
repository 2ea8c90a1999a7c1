package cli

import (
	"github.com/spf13/cobra"

	"github.com/markdave123-py/Somnia/internal/app"
)

var themesFile string

var themesCmd = &cobra.Command{
	Use:   "themes",
	Short: "Manage the theme catalog",
}

var themesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the theme catalog and backfill missing embeddings",
	Long: `Reads the catalog from --file, THEME_CATALOG_FILE, or
s3://THEME_CATALOG_BUCKET/THEME_CATALOG_KEY, falling back to the built-in
catalog. Themes are upserted by code; themes whose label or description
changed are re-embedded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		src := app.CatalogSource(a.Config)
		if themesFile != "" {
			src.File = themesFile
		}
		report, err := a.Catalog.Sync(cmd.Context(), src)
		if report != nil {
			cmd.Printf("Loaded %d themes from %s; embedded %d.\n", report.Loaded, src, report.Backfilled)
		}
		return err
	},
}

func init() {
	themesSyncCmd.Flags().StringVar(&themesFile, "file", "", "catalog YAML file")
	themesCmd.AddCommand(themesSyncCmd)
	rootCmd.AddCommand(themesCmd)
}
