package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/benchbot/benchbot-go/internal/config"
	"github.com/benchbot/benchbot-go/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(
		ctx,
		logging.WithLevel(cfg.LogLevel),
		logging.WithRotation(cfg.LogMaxSizeBytes, cfg.LogMaxFiles),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

// loadDotEnv loads ./.env when present. Variables already set in the
// environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

type rootFlags struct {
	supervisor     string
	resultLocation string
	startTimeout   string
}

func newRootCommand(cfg *config.Config, runtimeLog *logging.RuntimeLogger) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "benchbot",
		Short:         "Drive an agent through BenchBot episodes on a remote supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&flags.supervisor, "supervisor", "", "supervisor base address (overrides config)")
	root.PersistentFlags().StringVar(&flags.resultLocation, "result-location", "", "where the agent writes its result (overrides config)")
	root.PersistentFlags().StringVar(&flags.startTimeout, "start-timeout", "", "give up waiting for the simulator after this long, e.g. 2m")

	root.AddCommand(
		newRunCommand(cfg, runtimeLog),
		newCheckCommand(cfg, runtimeLog),
		newBugreportCommand(runtimeLog),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if runtimeLog == nil || runtimeLog.Logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if err := applyRootFlags(cfg, flags); err != nil {
			return err
		}
		runtimeLog.Logger.With("command", cmd.Name()).Debug("command invocation", "supervisor", cfg.SupervisorAddress)
		return nil
	}

	return root
}

func applyRootFlags(cfg *config.Config, flags *rootFlags) error {
	if flags.supervisor != "" {
		cfg.SupervisorAddress = flags.supervisor
	}
	if flags.resultLocation != "" {
		cfg.ResultLocation = flags.resultLocation
	}
	if flags.startTimeout != "" {
		timeout, err := parseFlagDuration("start-timeout", flags.startTimeout)
		if err != nil {
			return err
		}
		cfg.StartTimeout = timeout
	}
	if err := cfg.Normalize(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
