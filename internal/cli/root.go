// Package cli wires the distworker binary's cobra command tree to its
// collaborators: config, logging, the SQS broker, the S3 results store,
// the master HTTP client, and the task executor and main loop.
package cli

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/distexec/worker/internal/broker"
	"github.com/distexec/worker/internal/config"
	"github.com/distexec/worker/internal/distworker"
	"github.com/distexec/worker/internal/logging"
	"github.com/distexec/worker/internal/masterclient"
	"github.com/distexec/worker/internal/resultsstore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "distworker",
	Short: "Distributed test-execution worker node",
	Long: `distworker reserves tasks from a queue, fetches their content-addressed
payload, runs them in a supervised subprocess, and reports results and
artifacts to the results store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitViper(cfgFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/distworker/distworker.yaml)")
	config.RegisterFlags(rootCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	instanceID := uuid.NewString()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Prefix: instanceID[:8]})

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)

	cacheDir, err := distworker.AcquireCacheDir(cfg.CacheDirBase, cfg.CacheDirCount)
	if err != nil {
		return fmt.Errorf("acquire exclusive cache dir: %w", err)
	}
	defer cacheDir.Close()
	logger.Info("acquired exclusive cache dir", "path", cacheDir.Path)

	if err := os.MkdirAll(cfg.WorkDirBase, 0o755); err != nil {
		return fmt.Errorf("create work dir base: %w", err)
	}

	executor := &distworker.Executor{
		Logger:                 logger,
		Results:                resultsstore.New(s3Client, cfg.ResultsBucket),
		Master:                 masterclient.New(cfg.MasterURL),
		Retries:                distworker.NewRetryCache(cfg.RetryCacheMaxSize, cfg.RetryCacheMaxCount),
		FetchToolPath:          cfg.FetchToolPath,
		IsolateServerURL:       cfg.IsolateServerURL,
		ContainerRunnerPath:    cfg.ContainerRunnerPath,
		CacheDir:               cacheDir,
		WorkDirBase:            cfg.WorkDirBase,
		FailureCancelThreshold: cfg.JobFailureCancelThreshold,
	}

	loop := &distworker.Loop{
		Broker:   broker.New(sqsClient, cfg.QueueURL, defaultVisibilityTimeoutSecs),
		Executor: executor,
		Logger:   logger,
	}

	logger.Info("distworker starting", "instance_id", instanceID, "queue_url", cfg.QueueURL)
	return loop.Serve(ctx)
}

// defaultVisibilityTimeoutSecs is the SQS message visibility window,
// renewed by the Supervised Runner's heartbeat (distworker.HeartbeatInterval)
// well before it would otherwise lapse.
const defaultVisibilityTimeoutSecs = 120
