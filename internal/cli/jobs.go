package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
)

var (
	enqueuePriority int
	enqueueForce    bool
	resetAttempts   int
	statusJSON      bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <doc-id>",
	Short: "Queue a document for embedding",
	Long: `Queues a document for embedding. A document whose job is still pending or
processing is left alone unless --force is given, which restarts the job with
a fresh attempt budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := documentArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.Service.Enqueue(cmd.Context(), id, enqueuePriority, enqueueForce)
		if errors.Is(err, core.ErrAlreadyQueued) {
			cmd.Printf("Document %s already queued (job %s is %s); use --force to restart it.\n", id, job.ID, job.Status)
			return nil
		}
		if err != nil {
			return err
		}
		cmd.Printf("Queued document %s as job %s (priority %d).\n", id, job.ID, job.Priority)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <doc-id>",
	Short: "Move a failed document back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := documentArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.Service.Reset(cmd.Context(), id, resetAttempts)
		if err != nil {
			return err
		}
		cmd.Printf("Document %s reset; job %s pending with %d/%d attempts used.\n", id, job.ID, job.Attempts, job.MaxAttempts)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document and job counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.Service.Status(cmd.Context())
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(counts)
		}
		return printCounts(cmd, counts)
	},
}

func printCounts(cmd *cobra.Command, counts *models.StatusCounts) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENTS\tCOUNT")
	for _, s := range []models.EmbeddingStatus{models.EmbeddingPending, models.EmbeddingProcessing, models.EmbeddingCompleted, models.EmbeddingFailed, models.EmbeddingSkipped} {
		fmt.Fprintf(tw, "%s\t%d\n", s, counts.Documents[s])
	}
	fmt.Fprintln(tw, "\nJOBS\tCOUNT")
	for _, s := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
		fmt.Fprintf(tw, "%s\t%d\n", s, counts.Jobs[s])
	}
	return tw.Flush()
}

func init() {
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "higher runs first")
	enqueueCmd.Flags().BoolVar(&enqueueForce, "force", false, "restart a job that is already pending or processing")
	resetCmd.Flags().IntVar(&resetAttempts, "attempts", 0, "attempts already used after the reset")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print counts as JSON")

	rootCmd.AddCommand(enqueueCmd, resetCmd, statusCmd)
}
