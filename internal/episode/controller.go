package episode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benchbot/benchbot-go/internal/callbacks"
	"github.com/benchbot/benchbot-go/internal/events"
	"github.com/benchbot/benchbot-go/internal/supervisor"
	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSupervisorAddress is where a supervisor listens inside the
	// simulation network.
	DefaultSupervisorAddress = "http://benchbot_supervisor:10000/"
	// DefaultResultLocation is where the agent writes its result by default.
	DefaultResultLocation = "/tmp/benchbot_result"
	// DefaultPollInterval is the pause between simulator readiness polls.
	DefaultPollInterval = 100 * time.Millisecond
)

var errSimulatorNotRunning = errors.New("simulator is not running yet")

// Supervisor is the transport the controller talks through.
type Supervisor interface {
	Address() string
	Fetch(ctx context.Context, route string, category supervisor.RouteCategory, out any) error
	Send(ctx context.Context, route string, payload any, category supervisor.RouteCategory) error
}

// Observations maps observation keys to decoded values.
type Observations map[string]any

// TaskDetails are the colon separated parts of the supervisor task name.
// Missing parts are left empty.
type TaskDetails struct {
	Type             string
	ControlMode      string
	LocalisationMode string
}

// Config holds the controller settings. The supervisor address belongs to
// the Supervisor client.
type Config struct {
	ResultLocation string
	PollInterval   time.Duration
	// StartTimeout bounds the readiness poll. Zero waits until ctx ends.
	StartTimeout time.Duration
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		ResultLocation: DefaultResultLocation,
		PollInterval:   DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.ResultLocation) == "" {
		c.ResultLocation = defaults.ResultLocation
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.StartTimeout < 0 {
		c.StartTimeout = 0
	}
	return c
}

// Option customizes controller construction.
type Option func(*Controller)

// WithCatalog replaces the callback catalog used to resolve the robot config.
func WithCatalog(catalog *callbacks.Catalog) Option {
	return func(c *Controller) {
		if catalog != nil {
			c.catalog = catalog
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus events.Bus) Option {
	return func(c *Controller) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithTracer sets the tracer used for controller spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Controller drives one agent through episodes on a supervisor. It is not
// safe for concurrent use; calls are serialized with an internal mutex.
type Controller struct {
	mu       sync.Mutex
	client   Supervisor
	agent    Agent
	cfg      Config
	catalog  *callbacks.Catalog
	registry *callbacks.Registry
	logger   *log.Logger
	bus      events.Bus
	tracer   trace.Tracer
	runID    string
	phase    Phase
	steps    int
}

// NewController builds a controller in the idle phase. agent may be nil for
// sessions that never call Run.
func NewController(client Supervisor, agent Agent, cfg Config, options ...Option) (*Controller, error) {
	if client == nil {
		return nil, errors.New("supervisor client is required")
	}
	c := &Controller{
		client:   client,
		agent:    agent,
		cfg:      cfg.withDefaults(),
		catalog:  callbacks.NewCatalog(),
		registry: callbacks.EmptyRegistry(),
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("benchbot/episode"),
		runID:    uuid.NewString(),
		phase:    PhaseIdle,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}
	c.logger = c.logger.With("component", "episode", "run_id", c.runID)
	return c, nil
}

// RunID identifies this controller session in logs and events.
func (c *Controller) RunID() string {
	return c.runID
}

// Phase reports the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start performs the handshake: it queries the supervisor root, waits for
// the simulator to report running, then resolves observation callbacks from
// the robot config.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) (err error) {
	if err := checkTransition("start", c.phase, PhaseConnected); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "episode.start", trace.WithAttributes(
		attribute.String("run_id", c.runID),
		attribute.String("supervisor", c.client.Address()),
	))
	defer func() { endSpan(span, err) }()
	logger := spanLogger(c.logger, span)

	address := c.client.Address()
	logger.Info("waiting to establish connection to a running supervisor", "address", address)
	if err := c.client.Fetch(ctx, "", supervisor.RouteExplicit, nil); err != nil {
		return fmt.Errorf("could not find a supervisor at %q, are you sure it is available?: %w", address, err)
	}
	c.publish(events.EventTypeSupervisorConnected, events.SeverityInfo, ConnectedPayload{Address: address})

	logger.Info("connected to supervisor, waiting for a running simulator")
	polls, err := c.waitForSimulator(ctx, logger)
	if err != nil {
		return fmt.Errorf("wait for running simulator: %w", err)
	}
	span.SetAttributes(attribute.Int("polls", polls))
	c.publish(events.EventTypeSimulatorReady, events.SeverityInfo, ReadyPayload{Polls: polls})

	var robot map[string]any
	if err := c.client.Fetch(ctx, "robot", supervisor.RouteConfig, &robot); err != nil {
		return fmt.Errorf("fetch robot config: %w", err)
	}
	registry, err := c.catalog.Resolve(robot)
	if err != nil {
		return fmt.Errorf("resolve observation callbacks: %w", err)
	}
	c.registry = registry
	c.phase = PhaseConnected
	logger.Info("simulator running, session ready", "callbacks", len(registry.Keys()))
	return nil
}

func (c *Controller) waitForSimulator(ctx context.Context, logger *log.Logger) (int, error) {
	if c.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StartTimeout)
		defer cancel()
	}

	polls := 0
	_, err := backoff.Retry(
		ctx,
		func() (struct{}, error) {
			polls++
			var status struct {
				IsRunning bool `json:"is_running"`
			}
			if err := c.client.Fetch(ctx, "is_running", supervisor.RouteSimulator, &status); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if !status.IsRunning {
				return struct{}{}, errSimulatorNotRunning
			}
			return struct{}{}, nil
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("simulator not ready", "poll", polls, "retry_in", next, "reason", err)
		}),
	)
	return polls, err
}

// Reset restarts the simulator when it is dirty and returns the first
// observations of a fresh episode.
func (c *Controller) Reset(ctx context.Context) (Observations, ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset(ctx)
}

func (c *Controller) reset(ctx context.Context) (_ Observations, _ ActionResult, err error) {
	if err := checkTransition("reset", c.phase, PhaseRunning); err != nil {
		return nil, ResultSuccess, err
	}
	ctx, span := c.tracer.Start(ctx, "episode.reset", trace.WithAttributes(attribute.String("run_id", c.runID)))
	defer func() { endSpan(span, err) }()
	logger := spanLogger(c.logger, span)

	dirty, err := c.flag(ctx, "is_dirty", supervisor.RouteSimulator)
	if err != nil {
		return nil, ResultSuccess, fmt.Errorf("check simulator state: %w", err)
	}
	span.SetAttributes(attribute.Bool("dirty", dirty))
	if dirty {
		logger.Info("simulator is dirty, restarting")
		if err := c.client.Fetch(ctx, "restart", supervisor.RouteSimulator, nil); err != nil {
			return nil, ResultSuccess, fmt.Errorf("restart simulator: %w", err)
		}
		c.publish(events.EventTypeSimulatorRestarted, events.SeverityInfo, nil)
	}
	c.steps = 0
	return c.step(ctx, nil)
}

// Step submits action, when non-nil, then reports the resulting
// observations and ActionResult. Observations are empty when the result is
// not ResultSuccess.
func (c *Controller) Step(ctx context.Context, action *Action) (Observations, ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step(ctx, action)
}

func (c *Controller) step(ctx context.Context, action *Action) (_ Observations, _ ActionResult, err error) {
	if err := checkTransition("step", c.phase, PhaseRunning); err != nil {
		return nil, ResultSuccess, err
	}
	if action != nil {
		if err := ValidateAction(*action); err != nil {
			return nil, ResultSuccess, err
		}
	}

	name := ""
	if action != nil {
		name = action.Name
	}
	ctx, span := c.tracer.Start(ctx, "episode.step", trace.WithAttributes(
		attribute.String("run_id", c.runID),
		attribute.String("action", name),
	))
	defer func() { endSpan(span, err) }()
	logger := spanLogger(c.logger, span)

	if action != nil {
		if err := c.client.Send(ctx, action.Name, action.Args, supervisor.RouteConnection); err != nil {
			return nil, ResultSuccess, fmt.Errorf("submit action %s: %w", action.Name, err)
		}
		c.steps++
		c.publish(events.EventTypeActionSubmitted, events.SeverityInfo, ActionPayload{
			Step:   c.steps,
			Action: action.Name,
			Args:   action.Args,
		})
	}

	result, err := c.result(ctx)
	if err != nil {
		return nil, ResultSuccess, err
	}
	span.SetAttributes(attribute.String("result", result.String()))

	observations := Observations{}
	if result == ResultSuccess {
		observations, err = c.observe(ctx)
		if err != nil {
			return nil, result, err
		}
	}
	c.phase = PhaseRunning

	logger.Debug("step completed", "step", c.steps, "action", name, "result", result.String())
	c.publish(events.EventTypeStepCompleted, severityFor(result), StepPayload{
		Step:         c.steps,
		Action:       name,
		Result:       result,
		Observations: sortedKeys(observations),
	})
	return observations, result, nil
}

// result derives the ActionResult. Collision wins over finished.
func (c *Controller) result(ctx context.Context) (ActionResult, error) {
	collided, err := c.flag(ctx, "is_collided", supervisor.RouteSimulator)
	if err != nil {
		return ResultSuccess, fmt.Errorf("check collision: %w", err)
	}
	if collided {
		return ResultCollision, nil
	}
	finished, err := c.flag(ctx, "is_finished", supervisor.RouteStatus)
	if err != nil {
		return ResultSuccess, fmt.Errorf("check finished: %w", err)
	}
	if finished {
		return ResultFinished, nil
	}
	return ResultSuccess, nil
}

func (c *Controller) observe(ctx context.Context) (Observations, error) {
	keys, err := c.observationKeys(ctx)
	if err != nil {
		return nil, err
	}
	observations := make(Observations, len(keys))
	for _, key := range keys {
		var raw any
		if err := c.client.Fetch(ctx, key, supervisor.RouteConnection, &raw); err != nil {
			return nil, fmt.Errorf("fetch observation %q: %w", key, err)
		}
		decoded, err := c.registry.Decode(key, raw)
		if err != nil {
			return nil, err
		}
		observations[key] = decoded
	}
	return observations, nil
}

// Actions lists the actions currently available. It is empty once the
// robot has collided or the task has finished.
func (c *Controller) Actions(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStarted("list actions"); err != nil {
		return nil, err
	}
	return c.actions(ctx)
}

func (c *Controller) actions(ctx context.Context) ([]string, error) {
	result, err := c.result(ctx)
	if err != nil {
		return nil, err
	}
	if result != ResultSuccess {
		return []string{}, nil
	}

	var actions []string
	if err := c.client.Fetch(ctx, "actions", supervisor.RouteConfig, &actions); err != nil {
		return nil, fmt.Errorf("fetch actions: %w", err)
	}
	if actions == nil {
		actions = []string{}
	}
	return actions, nil
}

// Observations lists the observation keys the supervisor publishes.
func (c *Controller) Observations(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStarted("list observations"); err != nil {
		return nil, err
	}
	return c.observationKeys(ctx)
}

func (c *Controller) observationKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.client.Fetch(ctx, "observations", supervisor.RouteConfig, &keys); err != nil {
		return nil, fmt.Errorf("fetch observation list: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// TaskDetails splits the supervisor task name into its parts.
func (c *Controller) TaskDetails(ctx context.Context) (TaskDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStarted("read task details"); err != nil {
		return TaskDetails{}, err
	}

	var name string
	if err := c.client.Fetch(ctx, "task_name", supervisor.RouteConfig, &name); err != nil {
		return TaskDetails{}, fmt.Errorf("fetch task name: %w", err)
	}
	return ParseTaskName(name), nil
}

// ParseTaskName splits name on ':' into type, control mode and
// localisation mode. Extra parts are ignored.
func ParseTaskName(name string) TaskDetails {
	parts := strings.Split(name, ":")
	var details TaskDetails
	fields := []*string{&details.Type, &details.ControlMode, &details.LocalisationMode}
	for i := 0; i < len(parts) && i < len(fields); i++ {
		*fields[i] = parts[i]
	}
	return details
}

// ResultFilename returns the configured result path after creating its
// parent directory.
func (c *Controller) ResultFilename() (string, error) {
	path := c.cfg.ResultLocation
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create result directory for %s: %w", path, err)
	}
	return path, nil
}

func (c *Controller) requireStarted(operation string) error {
	if c.phase == PhaseIdle {
		return fmt.Errorf("cannot %s: %w", operation, ErrNotStarted)
	}
	return nil
}

func (c *Controller) flag(ctx context.Context, route string, category supervisor.RouteCategory) (bool, error) {
	var body map[string]bool
	if err := c.client.Fetch(ctx, route, category, &body); err != nil {
		return false, err
	}
	return body[route], nil
}

func (c *Controller) publish(eventType, severity string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:     eventType,
		RunID:    c.runID,
		Payload:  payload,
		Severity: severity,
	})
}

func severityFor(result ActionResult) string {
	if result == ResultCollision {
		return events.SeverityWarn
	}
	return events.SeverityInfo
}

// spanLogger stamps records with the trace and span of the current
// operation when tracing is active.
func spanLogger(logger *log.Logger, span trace.Span) *log.Logger {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
