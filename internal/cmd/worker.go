package cmd

import (
	"context"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/internal/dispatch"
	"github.com/spokeworks/bnaflow/internal/observability"
	"github.com/spokeworks/bnaflow/internal/server"
	"github.com/spokeworks/bnaflow/internal/server/handlers"
	"github.com/spokeworks/bnaflow/pkg/destination"
	"github.com/spokeworks/bnaflow/pkg/launch"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/queue"
	"github.com/spokeworks/bnaflow/pkg/reconcile"
	"github.com/spokeworks/bnaflow/pkg/results"
	"github.com/spokeworks/bnaflow/pkg/runner/ecs"
	"github.com/spokeworks/bnaflow/pkg/storage"
	s3store "github.com/spokeworks/bnaflow/pkg/storage/s3"
	"github.com/spokeworks/bnaflow/pkg/submission"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job pipeline worker",
	Long: `Run the pipeline worker: consume submissions, drive jobs through
their lifecycle stages, and serve the ops endpoints (health, metrics,
read-only job inspection).

The worker is safe to run in multiples against the same job database;
every stage tolerates duplicate and out-of-order triggers.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	jobs, err := jobstore.Open(ctx, jobstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = jobs.Close() }()

	objects, err := s3store.New(ctx, s3store.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		Profile:         cfg.Storage.Profile,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		ForcePathStyle:  cfg.Storage.ForcePathStyle,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to connect to object storage", err)
	}
	defer func() { _ = objects.Close() }()

	tasks, err := ecs.New(ctx, ecs.Config{
		ClusterARN:     cfg.Runner.ClusterARN,
		TaskDefinition: cfg.Runner.TaskDefinition,
		ContainerName:  cfg.Runner.ContainerName,
		Subnets:        cfg.Runner.Subnets,
		SecurityGroups: cfg.Runner.SecurityGroups,
		Region:         cfg.Runner.Region,
		Endpoint:       cfg.Runner.Endpoint,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid task runner configuration", err)
	}

	metrics := observability.NewMetrics()

	var parser *submission.Parser
	if cfg.Queue.URL != "" {
		source, err := queue.NewSQS(ctx, queue.SQSConfig{
			QueueURL:          cfg.Queue.URL,
			Region:            cfg.Queue.Region,
			Endpoint:          cfg.Queue.Endpoint,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to submission queue", err)
		}
		defer func() { _ = source.Close() }()

		parser = submission.NewParser(jobs, source, cfg.Pipeline.DedupWindow, log)
		parser.Metrics = metrics
	} else {
		log.Info("no submission queue configured, jobs arrive via 'bnaflow submit' only")
	}

	d := dispatch.New(jobs, parser, metrics, dispatch.Config{
		Concurrency:  cfg.Dispatch.Concurrency,
		PollInterval: cfg.Dispatch.PollInterval,
		ClaimTTL:     cfg.Dispatch.ClaimTTL,
		BackoffBase:  cfg.Dispatch.BackoffBase,
		BackoffCap:   cfg.Dispatch.BackoffCap,
		RateLimit:    cfg.Dispatch.RateLimit,
		MaxAttempts: map[pipeline.Stage]int{
			pipeline.StageProvision: cfg.Pipeline.ProvisionAttempts,
			pipeline.StageLaunch:    cfg.Pipeline.LaunchAttempts,
			pipeline.StageReconcile: cfg.Pipeline.ObserveAttempts,
		},
	}, log)

	d.Register(destination.NewProvisioner(jobs, destination.NewPreparer(objects, nil), cfg.Storage.Bucket, log))
	d.Register(launch.NewLauncher(jobs, tasks, cfg.Pipeline.PollInterval, log))

	reconciler := reconcile.NewReconciler(jobs, tasks,
		cfg.Pipeline.PollInterval, cfg.Pipeline.ObservationWindow, nil, log)
	reconciler.Metrics = metrics
	d.Register(reconciler)

	d.Register(results.NewCollector(jobs, objects, cfg.Pipeline.ExpectedArtifacts, log))

	reclaimer := destination.NewReclaimer(jobs, objects, tasks, cfg.Pipeline.ReclaimAttempts, log)
	reclaimer.Metrics = metrics
	d.Register(reclaimer)

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("jobstore", handlers.CheckerFunc(jobs.Ping))
	health.RegisterChecker("storage", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := objects.List(ctx, storage.ListOptions{MaxKeys: 1})
		return err
	}))

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithHealth(health),
		server.WithMetrics(metrics.Handler()),
		server.WithJobs(jobs),
		server.WithLogger(log),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(runCtx); err != nil {
			log.Error("ops server failed", zap.Error(err))
			cancel()
		}
	}()

	log.Info("worker started",
		zap.String("store", cfg.Store.Path),
		zap.String("bucket", cfg.Storage.Bucket),
		zap.Bool("queue", cfg.Queue.URL != ""))

	err = d.Run(runCtx)
	cancel()
	wg.Wait()

	if err != nil && ctx.Err() == nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped unexpectedly", err)
	}
	return nil
}
