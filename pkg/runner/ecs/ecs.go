// Package ecs runs analysis tasks on AWS ECS Fargate.
package ecs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/runner"
)

// Runner implements runner.TaskRunner on ECS Fargate.
type Runner struct {
	client *ecs.Client
	cfg    Config
}

var _ runner.TaskRunner = (*Runner)(nil)

// New creates a Fargate runner using the SDK's default credential chain
// unless explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var ecsOpts []func(*ecs.Options)
	if cfg.Endpoint != "" {
		ecsOpts = append(ecsOpts, func(o *ecs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Runner{client: ecs.NewFromConfig(awsCfg, ecsOpts...), cfg: cfg}, nil
}

// analyzerCommand builds the container command for one analysis task. The
// region and FIPS code travel together: both or neither.
func analyzerCommand(spec runner.TaskSpec) []string {
	cmd := []string{
		"-vv",
		"run",
		"--with-export", "s3_custom",
		"--s3-bucket", spec.Bucket,
		"--s3-dir", spec.Prefix,
		spec.Country,
		spec.City,
	}
	if spec.Region != "" {
		cmd = append(cmd, spec.Region, spec.FIPSCode)
	}
	return cmd
}

// Start launches exactly one Fargate task for the spec.
func (r *Runner) Start(ctx context.Context, spec runner.TaskSpec) (string, string, error) {
	overrides := &types.TaskOverride{
		ContainerOverrides: []types.ContainerOverride{{
			Name:    aws.String(r.cfg.ContainerName),
			Command: analyzerCommand(spec),
		}},
	}

	netCfg := &types.NetworkConfiguration{
		AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        r.cfg.Subnets,
			SecurityGroups: r.cfg.SecurityGroups,
			AssignPublicIp: types.AssignPublicIpEnabled,
		},
	}

	out, err := r.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:              aws.String(r.cfg.ClusterARN),
		TaskDefinition:       aws.String(r.cfg.TaskDefinition),
		Count:                aws.Int32(1),
		LaunchType:           types.LaunchTypeFargate,
		NetworkConfiguration: netCfg,
		Overrides:            overrides,
	})
	if err != nil {
		return "", "", wrapECSError("run task", err)
	}

	// RunTask can partially fail without returning an error; capacity
	// failures show up here and are retryable.
	if len(out.Failures) > 0 && len(out.Tasks) == 0 {
		f := out.Failures[0]
		return "", "", pipeline.Transient(
			fmt.Sprintf("run task failure: %s", aws.ToString(f.Reason)),
			errors.New(aws.ToString(f.Detail)))
	}
	if len(out.Tasks) == 0 {
		return "", "", pipeline.Transient("run task", errNoTaskReturned)
	}

	task := out.Tasks[0]
	return aws.ToString(task.ClusterArn), aws.ToString(task.TaskArn), nil
}

// Describe observes the current state of a task.
func (r *Runner) Describe(ctx context.Context, clusterARN, taskARN string) (*runner.TaskStatus, error) {
	out, err := r.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(clusterARN),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return nil, wrapECSError("describe task", err)
	}
	if len(out.Tasks) == 0 {
		// A stopped task eventually ages out of DescribeTasks. Report it
		// as stopped without exit information rather than failing.
		return &runner.TaskStatus{
			State:         runner.StateStopped,
			StoppedReason: "task no longer described by cluster",
		}, nil
	}

	task := out.Tasks[0]
	status := &runner.TaskStatus{
		State:         aws.ToString(task.LastStatus),
		StoppedReason: aws.ToString(task.StoppedReason),
	}
	if task.StartedAt != nil {
		t := task.StartedAt.UTC()
		status.StartedAt = &t
	}
	if task.StoppedAt != nil {
		t := task.StoppedAt.UTC()
		status.StoppedAt = &t
	}
	for _, c := range task.Containers {
		if aws.ToString(c.Name) == r.cfg.ContainerName && c.ExitCode != nil {
			code := *c.ExitCode
			status.ExitCode = &code
		}
	}
	return status, nil
}

// Stop requests termination of a task.
func (r *Runner) Stop(ctx context.Context, clusterARN, taskARN, reason string) error {
	_, err := r.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(clusterARN),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidParameterException" {
			// Already stopped or gone.
			return nil
		}
		return wrapECSError("stop task", err)
	}
	return nil
}

// wrapECSError classifies throttling and availability failures as
// transient so the dispatcher retries instead of failing the job.
func wrapECSError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "LimitExceededException",
			"ServerException", "ServiceUnavailableException",
			"CapacityProviderStrategyException":
			return pipeline.Transient("ecs "+op, err)
		}
	}
	return fmt.Errorf("ecs %s: %w", op, err)
}
