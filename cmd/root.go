// Package cmd defines the CLI for the bilibili-notifier executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/app"
	"github.com/JakeFAU/bilibili-notifier/internal/config"
	"github.com/JakeFAU/bilibili-notifier/internal/logging"
)

// Runner is the application surface the commands drive. It lets tests inject
// a fake application.
type Runner interface {
	RunOnce(ctx context.Context) error
	Run(ctx context.Context) error
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger, app.Options{})
}

type rootOptions struct {
	configPath string
	once       bool
	logLevel   string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "bilibili-notifier",
		Short: "Watches Bilibili creators and notifies on new posts, videos and articles.",
		Long: `bilibili-notifier polls the public Bilibili API for the configured creators,
remembers which items it has already announced, and pushes anything new to
Telegram, email, ServerChan or Google Cloud Pub/Sub.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "",
		"path to the YAML config file (searches ./config.yaml, then ~/.bilibili-notifier/config.yaml)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single poll cycle and exit")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := logging.New(cfg.Logging.Development, level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	application, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		return fmt.Errorf("init application: %w", err)
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Warn("application close failed", zap.Error(cerr))
		}
	}()

	if opts.once {
		return application.RunOnce(ctx)
	}
	return application.Run(ctx)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bilibili-notifier:", err)
		return 1
	}
	return 0
}
