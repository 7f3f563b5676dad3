package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benchbot/benchbot-go/internal/agents"
	"github.com/benchbot/benchbot-go/internal/config"
	"github.com/benchbot/benchbot-go/internal/episode"
	"github.com/benchbot/benchbot-go/internal/events"
	"github.com/benchbot/benchbot-go/internal/logging"
	"github.com/benchbot/benchbot-go/internal/supervisor"
	"github.com/benchbot/benchbot-go/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type runFlags struct {
	maxSteps int
	distance float64
	angle    float64
}

func newRunCommand(cfg *config.Config, runtimeLog *logging.RuntimeLogger) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one episode with the reference explorer agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			shutdown, err := telemetry.Init(cmd.Context(), telemetrySettings(cfg))
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer shutdown()

			bus := events.New(events.WithLogger(runtimeLog.Base()))
			bus.SubscribeAll(progressPrinter(cmd.OutOrStdout()))
			defer bus.Close()

			explorer := agents.NewExplorer(
				agents.WithMaxSteps(flags.maxSteps),
				agents.WithDistance(flags.distance),
				agents.WithAngle(flags.angle),
			)
			controller, err := newController(cfg, explorer, runtimeLog.Base(), bus)
			if err != nil {
				return err
			}

			ctx, span := otel.Tracer("benchbot/cli").Start(cmd.Context(), "benchbot.run",
				trace.WithAttributes(attribute.String("run_id", controller.RunID())))
			defer func() {
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
			}()
			logger := runtimeLog.WithRunID(controller.RunID()).WithSpanContext(span.SpanContext()).Logger

			logger.Info("starting episode", "supervisor", cfg.SupervisorAddress)
			if err := controller.Run(ctx); err != nil {
				logger.Error("episode failed", "err", err)
				return err
			}
			logger.Info("episode complete", "result_location", cfg.ResultLocation)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.maxSteps, "max-steps", 0, "stop after this many actions (0 = until the task ends)")
	cmd.Flags().Float64Var(&flags.distance, "distance", agents.DefaultDistance, "metres per move_distance action")
	cmd.Flags().Float64Var(&flags.angle, "angle", agents.DefaultAngle, "degrees per move_angle action")
	return cmd
}

func newCheckCommand(cfg *config.Config, runtimeLog *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect to the supervisor and describe the current task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus := events.New(events.WithLogger(runtimeLog.Base()))
			bus.SubscribeAll(progressPrinter(cmd.ErrOrStderr()))
			defer bus.Close()

			controller, err := newController(cfg, nil, runtimeLog.Base(), bus)
			if err != nil {
				return err
			}
			runtimeLog.WithRunID(controller.RunID()).Logger.Info("checking supervisor", "supervisor", cfg.SupervisorAddress)

			ctx := cmd.Context()
			if err := controller.Start(ctx); err != nil {
				return err
			}

			details, err := controller.TaskDetails(ctx)
			if err != nil {
				return err
			}
			actions, err := controller.Actions(ctx)
			if err != nil {
				return err
			}
			observations, err := controller.Observations(ctx)
			if err != nil {
				return err
			}
			return writeTaskReport(cmd.OutOrStdout(), cfg.SupervisorAddress, details, actions, observations)
		},
	}
}

func newController(cfg *config.Config, agent episode.Agent, logger *log.Logger, bus events.Bus) (*episode.Controller, error) {
	client, err := supervisor.NewClient(
		cfg.SupervisorAddress,
		supervisor.WithRequestTimeout(cfg.RequestTimeout),
		supervisor.WithRateLimit(cfg.RequestsPerSecond),
		supervisor.WithLogger(logger.With("component", "supervisor")),
	)
	if err != nil {
		return nil, err
	}
	return episode.NewController(
		client,
		agent,
		episode.Config{
			ResultLocation: cfg.ResultLocation,
			PollInterval:   cfg.PollInterval,
			StartTimeout:   cfg.StartTimeout,
		},
		episode.WithLogger(logger),
		episode.WithEventBus(bus),
	)
}

func telemetrySettings(cfg *config.Config) telemetry.Settings {
	return telemetry.Settings{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
	}
}

func writeTaskReport(
	out io.Writer,
	address string,
	details episode.TaskDetails,
	actions []string,
	observations []string,
) error {
	lines := []string{
		fmt.Sprintf("supervisor:        %s", address),
		fmt.Sprintf("task type:         %s", details.Type),
		fmt.Sprintf("control mode:      %s", details.ControlMode),
		fmt.Sprintf("localisation mode: %s", details.LocalisationMode),
		fmt.Sprintf("actions:           %s", joinOrNone(actions)),
		fmt.Sprintf("observations:      %s", joinOrNone(observations)),
	}
	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write task report: %w", err)
	}
	return nil
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}

func parseFlagDuration(name, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse --%s: %w", name, err)
	}
	return parsed, nil
}
