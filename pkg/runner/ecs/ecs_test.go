package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/runner"
)

func TestAnalyzerCommand(t *testing.T) {
	t.Run("with region and fips", func(t *testing.T) {
		cmd := analyzerCommand(runner.TaskSpec{
			Bucket:   "results-bucket",
			Prefix:   "united states/texas/austin/26.8",
			Country:  "united states",
			City:     "austin",
			Region:   "texas",
			FIPSCode: "4805000",
		})
		assert.Equal(t, []string{
			"-vv", "run",
			"--with-export", "s3_custom",
			"--s3-bucket", "results-bucket",
			"--s3-dir", "united states/texas/austin/26.8",
			"united states", "austin",
			"texas", "4805000",
		}, cmd)
	})

	t.Run("without region", func(t *testing.T) {
		cmd := analyzerCommand(runner.TaskSpec{
			Bucket:  "results-bucket",
			Prefix:  "spain/valencia/valencia/26.8",
			Country: "spain",
			City:    "valencia",
		})
		assert.Equal(t, []string{
			"-vv", "run",
			"--with-export", "s3_custom",
			"--s3-bucket", "results-bucket",
			"--s3-dir", "spain/valencia/valencia/26.8",
			"spain", "valencia",
		}, cmd)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		ClusterARN:     "arn:aws:ecs:us-west-2:123:cluster/bna",
		TaskDefinition: "bna-analyzer:3",
		ContainerName:  "brokenspoke-analyzer",
		Subnets:        []string{"subnet-1"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing cluster", func(c *Config) { c.ClusterARN = "" }, "cluster_arn"},
		{"missing task definition", func(c *Config) { c.TaskDefinition = " " }, "task_definition"},
		{"missing container", func(c *Config) { c.ContainerName = "" }, "container_name"},
		{"missing subnets", func(c *Config) { c.Subnets = nil }, "subnets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
