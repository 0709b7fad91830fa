package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs in the local job database",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show a job's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEvents,
}

var (
	jobsLimit  int
	jobsOutput string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsEventsCmd)

	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to list")
	jobsListCmd.Flags().StringVarP(&jobsOutput, "output", "o", "table", "Output format (table|json)")
}

func openJobsStore(cmd *cobra.Command) (*jobstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jobs, err := jobstore.Open(cmd.Context(), jobstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	return jobs, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	jobs, err := openJobsStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	records, err := jobs.ListJobs(cmd.Context(), jobsLimit)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}

	switch jobsOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tCITY\tCOUNTRY\tSUBMITTED\tVERSION")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.JobID, rec.Status, rec.Params.City, rec.Params.Country,
				rec.SubmittedAt.Format(time.RFC3339), rec.Version)
		}
		return w.Flush()
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected table or json"))
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job ID", err)
	}

	jobs, err := openJobsStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	rec, err := jobs.GetJob(cmd.Context(), jobID)
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		return exitError(foundry.ExitInvalidArgument, "Job not found", err)
	case err != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load job", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runJobsEvents(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job ID", err)
	}

	jobs, err := openJobsStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	if _, err := jobs.GetJob(cmd.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Job not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load job", err)
	}

	events, err := jobs.ListEvents(cmd.Context(), jobID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list events", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTAGE\tCATEGORY\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.OccurredAt.Format(time.RFC3339), ev.Stage, ev.Category, ev.Detail)
	}
	return w.Flush()
}
