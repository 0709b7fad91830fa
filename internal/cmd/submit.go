package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/internal/observability"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a city for analysis",
	Long: `Submit one city for analysis.

With a submission queue configured, the request is published there and a
worker picks it up. Without one, the job record is created directly in
the local job database.

Example:
  bnaflow submit --country usa --city "santa rosa" --region "new mexico" --fips 3570670
  bnaflow submit --country malta --city valletta`,
	RunE: runSubmit,
}

var (
	submitCountry string
	submitCity    string
	submitRegion  string
	submitFIPS    string
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitCountry, "country", "", "Country name (required)")
	submitCmd.Flags().StringVar(&submitCity, "city", "", "City name (required)")
	submitCmd.Flags().StringVar(&submitRegion, "region", "", "Region, e.g. state or province")
	submitCmd.Flags().StringVar(&submitFIPS, "fips", "", "US census FIPS code")

	_ = submitCmd.MarkFlagRequired("country")
	_ = submitCmd.MarkFlagRequired("city")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	params := pipeline.AnalysisParameters{
		Country:  submitCountry,
		City:     submitCity,
		Region:   submitRegion,
		FIPSCode: submitFIPS,
	}.Sanitized()
	if err := params.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid submission", err)
	}

	if cfg.Queue.URL != "" {
		source, err := queue.NewSQS(ctx, queue.SQSConfig{
			QueueURL: cfg.Queue.URL,
			Region:   cfg.Queue.Region,
			Endpoint: cfg.Queue.Endpoint,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to submission queue", err)
		}

		body, err := json.Marshal(params)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to encode submission", err)
		}
		if err := source.Send(ctx, string(body)); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to publish submission", err)
		}

		log.Info("submission published",
			zap.String("country", params.Country),
			zap.String("city", params.City))
		fmt.Println("submission published")
		return nil
	}

	jobs, err := jobstore.Open(ctx, jobstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = jobs.Close() }()

	rec, err := jobs.CreateJob(ctx, params, time.Now().UTC(), cfg.Pipeline.DedupWindow)
	switch {
	case errors.Is(err, jobstore.ErrDuplicateSubmission):
		fmt.Println("a job for this city already exists within the dedup window")
		return nil
	case err != nil:
		return exitError(foundry.ExitInvalidArgument, "Failed to create job", err)
	}

	if err := jobs.Enqueue(ctx, rec.JobID, pipeline.StageProvision, 0, 0); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to schedule job", err)
	}
	_ = jobs.AppendEvent(ctx, rec.JobID, pipeline.StageProvision, jobstore.EventInfo, "submission accepted")

	fmt.Println(rec.JobID)
	return nil
}
