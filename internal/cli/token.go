package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	middleware "github.com/markdave123-py/Somnia/internal/api/middlewares"
	"github.com/markdave123-py/Somnia/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator bearer token for the ops API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not configured")
		}
		tok, err := middleware.IssueOperatorToken([]byte(cfg.JWTSecret), tokenSubject, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("somnia version %s\n", version)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator name recorded in request logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd, versionCmd)
}
