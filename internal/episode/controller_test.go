package episode

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benchbot/benchbot-go/internal/callbacks"
	"github.com/benchbot/benchbot-go/internal/events"
	"github.com/benchbot/benchbot-go/internal/supervisor"
	"github.com/benchbot/benchbot-go/internal/supervisortest"
	"github.com/charmbracelet/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ResultLocation: filepath.Join(t.TempDir(), "results", "result.json"),
		PollInterval:   time.Millisecond,
	}
}

func newTestController(t *testing.T, address string, agent Agent, cfg Config, options ...Option) *Controller {
	t.Helper()
	client, err := supervisor.NewClient(address, supervisor.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	controller, err := NewController(client, agent, cfg, options...)
	require.NoError(t, err)
	return controller
}

func startedController(t *testing.T, fake *supervisortest.Supervisor, options ...Option) *Controller {
	t.Helper()
	controller := newTestController(t, fake.Serve(t), nil, testConfig(t), options...)
	require.NoError(t, controller.Start(context.Background()))
	return controller
}

type scriptedAgent struct {
	mu       sync.Mutex
	pick     func(observations Observations, actions []string) (Action, error)
	seen     [][]string
	results  []ActionResult
	saved    string
	saveErr  error
	observed []Observations
}

func (a *scriptedAgent) PickAction(_ context.Context, observations Observations, actions []string) (Action, error) {
	a.mu.Lock()
	a.seen = append(a.seen, actions)
	a.observed = append(a.observed, observations)
	pick := a.pick
	a.mu.Unlock()
	if pick != nil {
		return pick(observations, actions)
	}
	return Action{Name: ActionMoveNext}, nil
}

func (a *scriptedAgent) IsDone(result ActionResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, result)
	return result != ResultSuccess
}

func (a *scriptedAgent) SaveResult(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saved = path
	return os.WriteFile(path, []byte(`{"objects":[]}`), 0o600)
}

func TestNewControllerAppliesDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewController(nil, nil, Config{})
	require.Error(t, err)

	client, err := supervisor.NewClient(DefaultSupervisorAddress)
	require.NoError(t, err)
	controller, err := NewController(client, nil, Config{PollInterval: -1, StartTimeout: -time.Second})
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), controller.Config())
	assert.Equal(t, PhaseIdle, controller.Phase())
	assert.NotEmpty(t, controller.RunID())
}

func TestStartWaitsUntilSimulatorIsRunning(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithRunningAfter(3))
	controller := startedController(t, fake)

	assert.Equal(t, PhaseConnected, controller.Phase())
	assert.Equal(t, 4, fake.RunningPolls())
	assert.Equal(t, []string{
		"/",
		"/simulator/is_running",
		"/simulator/is_running",
		"/simulator/is_running",
		"/simulator/is_running",
		"/config/robot",
	}, fake.Paths())
}

func TestStartFailsImmediatelyWhenSupervisorIsUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	address := server.URL + "/"
	server.Close()

	controller := newTestController(t, address, nil, testConfig(t))
	err := controller.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrConnectionFailure)
	assert.Contains(t, err.Error(), address)
	assert.Contains(t, err.Error(), "could not find a supervisor")
	assert.Equal(t, PhaseIdle, controller.Phase())
}

func TestStartTimeoutBoundsReadinessPoll(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithRunningAfter(1 << 30))
	cfg := testConfig(t)
	cfg.StartTimeout = 50 * time.Millisecond
	controller := newTestController(t, fake.Serve(t), nil, cfg)

	err := controller.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, fake.RunningPolls(), 1)
	assert.Equal(t, PhaseIdle, controller.Phase())
}

func TestStartPollStopsWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithRunningAfter(1 << 30))
	controller := newTestController(t, fake.Serve(t), nil, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := controller.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartTreatsPollTransportFailureAsFatal(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	fake.Fail("/simulator/is_running", http.StatusInternalServerError)
	controller := newTestController(t, fake.Serve(t), nil, testConfig(t))

	err := controller.Start(context.Background())
	require.ErrorIs(t, err, supervisor.ErrConnectionFailure)

	var unexpected *supervisor.UnexpectedResponseError
	require.True(t, errors.As(err, &unexpected))
	assert.Equal(t, http.StatusInternalServerError, unexpected.StatusCode)
	assert.Equal(t, []string{"/", "/simulator/is_running"}, fake.Paths())
}

func TestStartRejectsUnknownCallback(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(
		supervisortest.WithObservation("image_rgb", map[string]any{}, "api_callbacks.decode_lidar"),
	)
	controller := newTestController(t, fake.Serve(t), nil, testConfig(t))

	err := controller.Start(context.Background())
	require.ErrorIs(t, err, callbacks.ErrUnknownCallback)
	assert.Equal(t, PhaseIdle, controller.Phase())
}

func TestStartTwiceIsIllegal(t *testing.T) {
	t.Parallel()

	controller := startedController(t, supervisortest.New())

	err := controller.Start(context.Background())
	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, PhaseConnected, illegal.From)
	assert.Equal(t, PhaseConnected, illegal.To)
}

func TestOperationsRequireStart(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	controller := newTestController(t, fake.Serve(t), nil, testConfig(t))
	ctx := context.Background()

	_, _, err := controller.Step(ctx, &Action{Name: ActionMoveNext})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, _, err = controller.Reset(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = controller.Actions(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = controller.Observations(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = controller.TaskDetails(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)

	assert.Empty(t, fake.Paths())
}

func TestStepDerivesResultWithCollisionPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		collided bool
		finished bool
		want     ActionResult
	}{
		{name: "success", want: ResultSuccess},
		{name: "finished", finished: true, want: ResultFinished},
		{name: "collision", collided: true, want: ResultCollision},
		{name: "collision wins over finished", collided: true, finished: true, want: ResultCollision},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := supervisortest.New(supervisortest.WithObservation("poses", map[string]any{"x": 1.0}, ""))
			controller := startedController(t, fake)
			fake.SetCollided(tc.collided)
			fake.SetFinished(tc.finished)

			observations, result, err := controller.Step(context.Background(), &Action{Name: ActionMoveNext})
			require.NoError(t, err)
			assert.Equal(t, tc.want, result)

			if tc.want == ResultSuccess {
				assert.Equal(t, Observations{"poses": map[string]any{"x": 1.0}}, observations)
				assert.Contains(t, fake.Paths(), "/config/observations")
			} else {
				assert.Empty(t, observations)
				assert.NotContains(t, fake.Paths(), "/config/observations")
			}
		})
	}
}

func TestActionsAreEmptyOnceCollidedOrFinished(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithActions(ActionMoveDistance, ActionMoveAngle))
	controller := startedController(t, fake)
	ctx := context.Background()

	actions, err := controller.Actions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionMoveDistance, ActionMoveAngle}, actions)

	fake.SetFinished(true)
	actions, err = controller.Actions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{}, actions)

	fake.SetFinished(false)
	fake.SetCollided(true)
	actions, err = controller.Actions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{}, actions)
}

func TestStepValidatesActionBeforeSending(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	controller := startedController(t, fake)
	ctx := context.Background()

	_, _, err := controller.Step(ctx, &Action{Name: "fly"})
	var invalid *InvalidActionError
	require.True(t, errors.As(err, &invalid))

	_, _, err = controller.Step(ctx, &Action{Name: ActionMoveNext, Args: map[string]any{"distance": 1.0}})
	var count *ArgumentCountError
	require.True(t, errors.As(err, &count))

	_, _, err = controller.Step(ctx, &Action{Name: ActionMoveAngle, Args: map[string]any{"distance": 1.0}})
	var argument *InvalidArgumentError
	require.True(t, errors.As(err, &argument))

	assert.Empty(t, fake.Submitted())
	assert.Equal(t, PhaseConnected, controller.Phase())
}

func TestStepSubmitsActionArgumentsOnConnectionRoute(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	controller := startedController(t, fake)

	_, result, err := controller.Step(context.Background(), &Action{
		Name: ActionMoveAngle,
		Args: map[string]any{"angle": 90},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, PhaseRunning, controller.Phase())

	submitted := fake.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, http.MethodGet, submitted[0].Method)
	assert.Equal(t, "/connections/move_angle", submitted[0].Path)
	assert.Equal(t, map[string]any{"angle": 90.0}, submitted[0].Body)
}

func TestStepReportsSendFailure(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	controller := startedController(t, fake)
	fake.Fail("/connections/move_distance", http.StatusServiceUnavailable)

	_, _, err := controller.Step(context.Background(), &Action{
		Name: ActionMoveDistance,
		Args: map[string]any{"distance": 0.5},
	})
	require.ErrorIs(t, err, supervisor.ErrConnectionFailure)
	assert.Contains(t, err.Error(), "move_distance")
	assert.Contains(t, err.Error(), `{"distance":0.5}`)
}

func TestStepAppliesObservationCallbackExactlyOnce(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	catalog := callbacks.NewCatalog()
	require.NoError(t, catalog.Register("test_callbacks", "wrap", func(raw any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return map[string]any{"wrapped": raw}, nil
	}))

	fake := supervisortest.New(
		supervisortest.WithObservation("label", "chair", "test_callbacks.wrap"),
		supervisortest.WithObservation("plain", 3.0, ""),
	)
	controller := startedController(t, fake, WithCatalog(catalog))

	observations, _, err := controller.Step(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Observations{
		"label": map[string]any{"wrapped": "chair"},
		"plain": 3.0,
	}, observations)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestResetRestartsDirtySimulator(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithDirty())
	controller := startedController(t, fake)
	ctx := context.Background()

	_, result, err := controller.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, 1, fake.Restarts())

	_, _, err = controller.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Restarts(), "clean simulator must not restart")
	assert.Empty(t, fake.Submitted())
}

func TestResetThenMoveNextRoundTrip(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithObservation("image_depth", []any{1.0, 2.0}, ""))
	controller := startedController(t, fake)
	ctx := context.Background()

	observations, result, err := controller.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Contains(t, observations, "image_depth")

	observations, result, err = controller.Step(ctx, &Action{Name: ActionMoveNext})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, []any{1.0, 2.0}, observations["image_depth"])
	require.Len(t, fake.Submitted(), 1)
	assert.Zero(t, fake.Restarts())
}

func TestObservationsAndTaskDetails(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(
		supervisortest.WithTaskName("semantic_slam:active:dead_reckoning"),
		supervisortest.WithObservation("image_rgb", nil, ""),
		supervisortest.WithObservation("laser", nil, ""),
	)
	controller := startedController(t, fake)
	ctx := context.Background()

	keys, err := controller.Observations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image_rgb", "laser"}, keys)

	details, err := controller.TaskDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskDetails{
		Type:             "semantic_slam",
		ControlMode:      "active",
		LocalisationMode: "dead_reckoning",
	}, details)
}

func TestParseTaskNameToleratesMissingParts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TaskDetails{Type: "scd"}, ParseTaskName("scd"))
	assert.Equal(t, TaskDetails{Type: "scd", ControlMode: "passive"}, ParseTaskName("scd:passive"))
	assert.Equal(t,
		TaskDetails{Type: "a", ControlMode: "b", LocalisationMode: "c"},
		ParseTaskName("a:b:c:d"),
	)
}

func TestResultFilenameCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	controller := newTestController(t, DefaultSupervisorAddress, nil, cfg)

	path, err := controller.ResultFilename()
	require.NoError(t, err)
	assert.Equal(t, cfg.ResultLocation, path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunDrivesAgentUntilDone(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(
		supervisortest.WithObservation("poses", map[string]any{"x": 0.0}, ""),
		supervisortest.WithActionHook(func(s *supervisortest.Supervisor, _ string, _ map[string]any) {
			if len(s.Submitted()) >= 3 {
				s.SetFinished(true)
			}
		}),
	)
	bus := events.New()
	var (
		mu        sync.Mutex
		published []string
	)
	bus.SubscribeAll(func(event events.Event) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, event.Type)
	})

	agent := &scriptedAgent{}
	cfg := testConfig(t)
	controller := newTestController(t, fake.Serve(t), agent, cfg, WithEventBus(bus))

	require.NoError(t, controller.Run(context.Background()))
	bus.Close()

	assert.Equal(t, PhaseDone, controller.Phase())
	assert.Len(t, fake.Submitted(), 3)
	assert.Equal(t, []ActionResult{ResultSuccess, ResultSuccess, ResultSuccess, ResultFinished}, agent.results)
	assert.Len(t, agent.seen, 3)
	assert.Equal(t, []string{ActionMoveNext}, agent.seen[0])
	assert.Equal(t, cfg.ResultLocation, agent.saved)
	assert.FileExists(t, cfg.ResultLocation)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, published)
	assert.Equal(t, events.EventTypeSupervisorConnected, published[0])
	assert.Equal(t, events.EventTypeSimulatorReady, published[1])
	assert.Equal(t, events.EventTypeEpisodeFinished, published[len(published)-1])
	assert.Contains(t, published, events.EventTypeActionSubmitted)
	assert.Contains(t, published, events.EventTypeStepCompleted)
}

func TestRunCanStartAnotherEpisodeAfterDone(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New(supervisortest.WithActionHook(func(s *supervisortest.Supervisor, _ string, _ map[string]any) {
		s.SetFinished(true)
	}))
	agent := &scriptedAgent{}
	controller := newTestController(t, fake.Serve(t), agent, testConfig(t))
	fake.SetCollided(true)

	require.NoError(t, controller.Run(context.Background()))
	assert.Equal(t, PhaseDone, controller.Phase())
	assert.Empty(t, fake.Submitted())

	fake.SetDirty(true)
	require.NoError(t, controller.Run(context.Background()))
	assert.Equal(t, PhaseDone, controller.Phase())
	assert.Equal(t, 1, fake.Restarts())
	assert.Len(t, fake.Submitted(), 1)
	assert.Equal(t, []ActionResult{ResultCollision, ResultSuccess, ResultFinished}, agent.results)
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	fake := supervisortest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := &scriptedAgent{pick: func(Observations, []string) (Action, error) {
		cancel()
		return Action{Name: ActionMoveNext}, nil
	}}
	controller := newTestController(t, fake.Serve(t), agent, testConfig(t))

	err := controller.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, agent.saved)
}

func TestRunReportsAgentFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	picker := &scriptedAgent{pick: func(Observations, []string) (Action, error) { return Action{}, boom }}
	controller := newTestController(t, supervisortest.New().Serve(t), picker, testConfig(t))
	err := controller.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "agent pick action")

	fake := supervisortest.New()
	fake.SetFinished(true)
	saver := &scriptedAgent{saveErr: boom}
	controller = newTestController(t, fake.Serve(t), saver, testConfig(t))
	err = controller.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "save agent result")
	assert.Equal(t, PhaseRunning, controller.Phase())

	controller = newTestController(t, fake.Serve(t), nil, testConfig(t))
	require.ErrorIs(t, controller.Run(context.Background()), ErrNoAgent)
}

func TestControllerEmitsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	controller := startedController(t, supervisortest.New(), WithTracer(provider.Tracer("test")))
	_, _, err := controller.Reset(context.Background())
	require.NoError(t, err)

	names := make([]string, 0)
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Equal(t, []string{"episode.start", "episode.step", "episode.reset"}, names)
}

func TestControllerLogsCarrySpanCorrelation(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})

	controller := startedController(t, supervisortest.New(),
		WithTracer(provider.Tracer("test")),
		WithLogger(logger),
	)
	_, _, err := controller.Reset(context.Background())
	require.NoError(t, err)

	spanIDs := map[string]string{}
	for _, span := range recorder.Ended() {
		spanIDs[span.Name()] = span.SpanContext().SpanID().String()
	}

	byMessage := map[string]map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"run_id"`), "line %q", line)
		var record map[string]any
		require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(line, &record))
		assert.Equal(t, controller.RunID(), record["run_id"])
		byMessage[record["msg"].(string)] = record
	}

	started := byMessage["simulator running, session ready"]
	require.NotNil(t, started)
	assert.Equal(t, spanIDs["episode.start"], started["span_id"])
	assert.NotEmpty(t, started["trace_id"])

	stepped := byMessage["step completed"]
	require.NotNil(t, stepped)
	assert.Equal(t, spanIDs["episode.step"], stepped["span_id"])
}

func TestControllerLogsOmitSpanFieldsWithoutTracing(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})

	controller := startedController(t, supervisortest.New(), WithLogger(logger))
	_, _, err := controller.Reset(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, buf.String())
	assert.NotContains(t, buf.String(), `"trace_id"`)
	assert.NotContains(t, buf.String(), `"span_id"`)
}
