package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"message-pipeline/internal/config"
	"message-pipeline/internal/integrations/paramstore"
	"message-pipeline/internal/secrets"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "message-pipeline",
	Short:         "Asynchronous conversational message pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (env vars take precedence)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.AddCommand(gatewayCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// base holds what both commands build before their own wiring.
type base struct {
	cfg     config.Config
	logger  *slog.Logger
	aws     aws.Config
	secrets *secrets.Provider
}

func bootstrap(ctx context.Context) (*base, error) {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Secrets ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("create parameter store client: %w", err)
	}
	provider := secrets.New(params, secrets.WithTTL(cfg.SecretCacheTTL), secrets.WithLogger(logger))

	return &base{cfg: cfg, logger: logger, aws: awsCfg, secrets: provider}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// onLambda reports whether the process was started by the Lambda runtime.
func onLambda() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
}
