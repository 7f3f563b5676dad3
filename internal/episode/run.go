package episode

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/benchbot/benchbot-go/internal/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Agent decides what the robot does next.
type Agent interface {
	// PickAction chooses the next action from the currently available ones.
	PickAction(ctx context.Context, observations Observations, actions []string) (Action, error)
	// IsDone reports whether the episode should stop after result.
	IsDone(result ActionResult) bool
	// SaveResult writes the agent's result artifact to path.
	SaveResult(path string) error
}

// ErrNoAgent is returned by Run when the controller has no agent.
var ErrNoAgent = errors.New("episode controller has no agent")

// ConnectedPayload accompanies SupervisorConnected events.
type ConnectedPayload struct {
	Address string
}

// ReadyPayload accompanies SimulatorReady events.
type ReadyPayload struct {
	Polls int
}

// ActionPayload accompanies ActionSubmitted events.
type ActionPayload struct {
	Step   int
	Action string
	Args   map[string]any
}

// StepPayload accompanies StepCompleted events. Action is empty for the
// reset step.
type StepPayload struct {
	Step         int
	Action       string
	Result       ActionResult
	Observations []string
}

// FinishedPayload accompanies EpisodeFinished events.
type FinishedPayload struct {
	Steps      int
	Result     ActionResult
	ResultPath string
}

// Run drives the agent through one episode: it starts the session when
// idle, resets, then steps until the agent reports done and finally saves
// the agent's result.
func (c *Controller) Run(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.agent == nil {
		return ErrNoAgent
	}
	if c.phase == PhaseIdle {
		if err := c.start(ctx); err != nil {
			return err
		}
	}

	ctx, span := c.tracer.Start(ctx, "episode.run", trace.WithAttributes(attribute.String("run_id", c.runID)))
	defer func() { endSpan(span, err) }()

	observations, result, err := c.reset(ctx)
	if err != nil {
		return fmt.Errorf("reset episode: %w", err)
	}

	for !c.agent.IsDone(result) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("episode interrupted after %d steps: %w", c.steps, err)
		}
		actions, err := c.actions(ctx)
		if err != nil {
			return err
		}
		action, err := c.agent.PickAction(ctx, observations, actions)
		if err != nil {
			return fmt.Errorf("agent pick action: %w", err)
		}
		observations, result, err = c.step(ctx, &action)
		if err != nil {
			return err
		}
	}

	path, err := c.ResultFilename()
	if err != nil {
		return err
	}
	if err := c.agent.SaveResult(path); err != nil {
		return fmt.Errorf("save agent result to %s: %w", path, err)
	}
	if err := checkTransition("finish", c.phase, PhaseDone); err != nil {
		return err
	}
	c.phase = PhaseDone

	span.SetAttributes(attribute.Int("steps", c.steps), attribute.String("result", result.String()))
	spanLogger(c.logger, span).Info("episode finished", "steps", c.steps, "result", result.String(), "path", path)
	c.publish(events.EventTypeEpisodeFinished, severityFor(result), FinishedPayload{
		Steps:      c.steps,
		Result:     result,
		ResultPath: path,
	})
	return nil
}

func sortedKeys(observations Observations) []string {
	keys := make([]string, 0, len(observations))
	for key := range observations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
