// Package config loads and validates the worker's runtime configuration
// from a config file, environment variables, and CLI flags, in that
// increasing order of precedence (viper's default), mirroring how
// ldfd/ldfctl bootstrap their own configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix applied to every environment variable this
// program reads, e.g. DISTWORKER_QUEUE_URL.
const EnvPrefix = "DISTWORKER"

// Config is the fully resolved set of inputs the worker needs to run.
type Config struct {
	QueueURL      string `mapstructure:"queue_url"`
	ResultsBucket string `mapstructure:"results_bucket"`
	MasterURL     string `mapstructure:"master_url"`
	AWSRegion     string `mapstructure:"aws_region"`

	// AWSAccessKeyID and AWSSecretAccessKey are optional. When both are
	// set, they take precedence over the SDK's default credential
	// chain (env vars, shared config, instance role) — needed for
	// deployments against non-IAM-role hosts or S3-compatible
	// providers without STS.
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`

	CacheDirBase        string `mapstructure:"cache_dir_base"`
	CacheDirCount       int    `mapstructure:"cache_dir_count"`
	WorkDirBase         string `mapstructure:"work_dir_base"`
	FetchToolPath       string `mapstructure:"fetch_tool_path"`
	IsolateServerURL    string `mapstructure:"isolate_server_url"`
	ContainerRunnerPath string `mapstructure:"container_runner_path"`

	RetryCacheMaxSize  int `mapstructure:"retry_cache_max_size"`
	RetryCacheMaxCount int `mapstructure:"retry_cache_max_count"`

	JobFailureCancelThreshold int `mapstructure:"job_failure_cancel_threshold"`

	LogLevel string `mapstructure:"log_level"`
}

// RegisterFlags registers the flags the worker accepts directly on cmd
// and binds each one to the matching viper key, so the precedence is
// flag > env > config file > default.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("queue-url", "", "SQS queue URL to reserve tasks from (required)")
	flags.String("results-bucket", "", "S3 bucket to write task results and artifacts to (required)")
	flags.String("master-url", "", "base URL of the master's HTTP API (required)")
	flags.String("aws-region", "", "AWS region for the queue and results bucket")
	flags.String("aws-access-key-id", "", "static AWS access key (default: use the SDK's default credential chain)")
	flags.String("aws-secret-access-key", "", "static AWS secret key (default: use the SDK's default credential chain)")

	flags.String("cache-dir-base", "/var/cache/distworker/bundles", "base path for candidate bundle cache directories")
	flags.Int("cache-dir-count", 16, "number of candidate cache directories to probe for an exclusive lock")
	flags.String("work-dir-base", "/var/run/distworker/work", "base path under which per-task work directories are created")
	flags.String("fetch-tool-path", "", "path to the payload fetch tool binary (required)")
	flags.String("isolate-server-url", "", "isolate server URL passed to the fetch tool")
	flags.String("container-runner-path", "", "path to the container runner binary (required only for tasks with a container image)")

	flags.Int("retry-cache-max-size", 100, "max retry-IDs remembered for anti-affinity")
	flags.Int("retry-cache-max-count", 10, "max sightings a retry-ID survives; the next sighting still bounces and forgets it")

	flags.Int("job-failure-cancel-threshold", 100, "failed tasks within one job above which this worker asks the master to cancel it (0 disables)")

	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	for _, name := range []string{
		"queue-url", "results-bucket", "master-url", "aws-region",
		"aws-access-key-id", "aws-secret-access-key",
		"cache-dir-base", "cache-dir-count", "work-dir-base",
		"fetch-tool-path", "isolate-server-url", "container-runner-path",
		"retry-cache-max-size", "retry-cache-max-count",
		"job-failure-cancel-threshold", "log-level",
	} {
		key := strings.ReplaceAll(name, "-", "_")
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

// Load reads configuration from viper (already populated by flags, env,
// and any config file read via InitViper) and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on missing required settings rather than letting
// the worker start and fail obscurely on its first queue reservation or
// upload.
func (c Config) Validate() error {
	var missing []string
	if c.QueueURL == "" {
		missing = append(missing, "queue-url")
	}
	if c.ResultsBucket == "" {
		missing = append(missing, "results-bucket")
	}
	if c.MasterURL == "" {
		missing = append(missing, "master-url")
	}
	if c.FetchToolPath == "" {
		missing = append(missing, "fetch-tool-path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// InitViper wires viper to read an optional config file and environment
// variables under EnvPrefix, following the same search-path convention
// as ldfd's InitConfig.
func InitViper(configFile string) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("distworker")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/distworker")
		viper.AddConfigPath("$HOME/.config/distworker")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}
