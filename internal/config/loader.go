// Package config loads the process configuration from defaults, an
// optional YAML file, and BNAFLOW_-prefixed environment variables, in
// ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig locates the job database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig configures the destination object store.
type StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// QueueConfig configures the inbound submission queue. An empty URL
// disables the submission pump (jobs arrive via the CLI only).
type QueueConfig struct {
	URL               string        `mapstructure:"url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// RunnerConfig configures the analysis task runner.
type RunnerConfig struct {
	ClusterARN     string   `mapstructure:"cluster_arn"`
	TaskDefinition string   `mapstructure:"task_definition"`
	ContainerName  string   `mapstructure:"container_name"`
	Subnets        []string `mapstructure:"subnets"`
	SecurityGroups []string `mapstructure:"security_groups"`
	Region         string   `mapstructure:"region"`
	Endpoint       string   `mapstructure:"endpoint"`
}

// PipelineConfig carries the orchestration tunables.
type PipelineConfig struct {
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ObservationWindow time.Duration `mapstructure:"observation_window"`
	ProvisionAttempts int           `mapstructure:"provision_attempts"`
	LaunchAttempts    int           `mapstructure:"launch_attempts"`
	ObserveAttempts   int           `mapstructure:"observe_attempts"`
	ReclaimAttempts   int           `mapstructure:"reclaim_attempts"`
	ExpectedArtifacts []string      `mapstructure:"expected_artifacts"`
}

// DispatchConfig tunes the trigger dispatcher.
type DispatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	RateLimit    float64       `mapstructure:"rate_limit"`
}

// Load reads the configuration. configFile may be empty; environment
// variables use the BNAFLOW_ prefix with underscores (e.g.
// BNAFLOW_STORAGE_BUCKET).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BNAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("store.path", "bnaflow.db")

	// Empty defaults register the keys so AutomaticEnv can see them.
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.force_path_style", false)

	v.SetDefault("queue.url", "")
	v.SetDefault("queue.region", "")
	v.SetDefault("queue.endpoint", "")
	v.SetDefault("queue.visibility_timeout", "0s")

	v.SetDefault("runner.cluster_arn", "")
	v.SetDefault("runner.task_definition", "")
	v.SetDefault("runner.container_name", "brokenspoke-analyzer")
	v.SetDefault("runner.subnets", []string{})
	v.SetDefault("runner.security_groups", []string{})
	v.SetDefault("runner.region", "")
	v.SetDefault("runner.endpoint", "")

	v.SetDefault("pipeline.expected_artifacts", []string{})
	v.SetDefault("pipeline.dedup_window", "2h")
	v.SetDefault("pipeline.poll_interval", "30s")
	v.SetDefault("pipeline.observation_window", "4h")
	v.SetDefault("pipeline.provision_attempts", 5)
	v.SetDefault("pipeline.launch_attempts", 5)
	v.SetDefault("pipeline.observe_attempts", 5)
	v.SetDefault("pipeline.reclaim_attempts", 5)

	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.poll_interval", "1s")
	v.SetDefault("dispatch.claim_ttl", "5m")
	v.SetDefault("dispatch.backoff_base", "5s")
	v.SetDefault("dispatch.backoff_cap", "5m")
	v.SetDefault("dispatch.rate_limit", 0)
}
