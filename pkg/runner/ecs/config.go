package ecs

import (
	"errors"
	"fmt"
	"strings"
)

// Config configures the Fargate task runner.
type Config struct {
	// ClusterARN is the ECS cluster tasks run in.
	ClusterARN string

	// TaskDefinition is the ARN or family:revision of the analysis task.
	TaskDefinition string

	// ContainerName is the container within the task definition whose
	// command is overridden per job.
	ContainerName string

	// Subnets and SecurityGroups configure the task's awsvpc networking.
	// Tasks get a public IP so they can fetch source data directly.
	Subnets        []string
	SecurityGroups []string

	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

// ConfigError describes an invalid runner configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ecs runner config: %s: %s", e.Field, e.Message)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClusterARN) == "" {
		return &ConfigError{Field: "cluster_arn", Message: "required"}
	}
	if strings.TrimSpace(c.TaskDefinition) == "" {
		return &ConfigError{Field: "task_definition", Message: "required"}
	}
	if strings.TrimSpace(c.ContainerName) == "" {
		return &ConfigError{Field: "container_name", Message: "required"}
	}
	if len(c.Subnets) == 0 {
		return &ConfigError{Field: "subnets", Message: "at least one subnet is required"}
	}
	return nil
}

var errNoTaskReturned = errors.New("run task returned no tasks")
