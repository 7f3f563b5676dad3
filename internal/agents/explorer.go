// Package agents holds agents that can drive an episode out of the box.
package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/benchbot/benchbot-go/internal/episode"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultDistance is the forward step in metres used when move_next is unavailable.
	DefaultDistance = 0.5
	// DefaultAngle is the turn in degrees used when only move_angle is available.
	DefaultAngle = 90.0
)

// ErrNoActions is returned when the supervisor offers nothing the explorer can use.
var ErrNoActions = errors.New("no usable actions available")

// Step is one recorded decision.
type Step struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Summary is the result artifact written by SaveResult.
type Summary struct {
	Steps           int      `json:"steps"`
	LastResult      string   `json:"last_result"`
	ObservationKeys []string `json:"observation_keys"`
	Trajectory      []Step   `json:"trajectory"`
}

// ExplorerOption customizes an Explorer.
type ExplorerOption func(*Explorer)

// WithMaxSteps stops the explorer after n actions. Zero means no limit.
func WithMaxSteps(n int) ExplorerOption {
	return func(e *Explorer) {
		if n >= 0 {
			e.maxSteps = n
		}
	}
}

// WithDistance sets the move_distance argument.
func WithDistance(distance float64) ExplorerOption {
	return func(e *Explorer) {
		e.distance = distance
	}
}

// WithAngle sets the move_angle argument.
func WithAngle(angle float64) ExplorerOption {
	return func(e *Explorer) {
		e.angle = angle
	}
}

// Explorer walks the robot through the environment. It prefers move_next,
// then move_distance, then move_angle, and records what it saw.
type Explorer struct {
	mu         sync.Mutex
	maxSteps   int
	distance   float64
	angle      float64
	trajectory []Step
	keys       map[string]struct{}
	last       episode.ActionResult
}

// NewExplorer builds an explorer with optional configuration.
func NewExplorer(options ...ExplorerOption) *Explorer {
	e := &Explorer{
		distance: DefaultDistance,
		angle:    DefaultAngle,
		keys:     make(map[string]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(e)
		}
	}
	return e
}

// PickAction implements episode.Agent.
func (e *Explorer) PickAction(_ context.Context, observations episode.Observations, actions []string) (episode.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range observations {
		e.keys[key] = struct{}{}
	}

	available := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		available[action] = struct{}{}
	}

	var action episode.Action
	switch {
	case has(available, episode.ActionMoveNext):
		action = episode.Action{Name: episode.ActionMoveNext}
	case has(available, episode.ActionMoveDistance):
		action = episode.Action{Name: episode.ActionMoveDistance, Args: map[string]any{"distance": e.distance}}
	case has(available, episode.ActionMoveAngle):
		action = episode.Action{Name: episode.ActionMoveAngle, Args: map[string]any{"angle": e.angle}}
	default:
		return episode.Action{}, fmt.Errorf("%w: offered %v", ErrNoActions, actions)
	}

	e.trajectory = append(e.trajectory, Step{Action: action.Name, Args: action.Args})
	return action, nil
}

// IsDone implements episode.Agent.
func (e *Explorer) IsDone(result episode.ActionResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = result
	if result != episode.ResultSuccess {
		return true
	}
	return e.maxSteps > 0 && len(e.trajectory) >= e.maxSteps
}

// SaveResult implements episode.Agent by writing a JSON Summary to path.
func (e *Explorer) SaveResult(path string) error {
	data, err := json.MarshalIndent(e.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode explorer summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write explorer summary: %w", err)
	}
	return nil
}

// Summary returns what the explorer has done so far.
func (e *Explorer) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.keys))
	for key := range e.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	trajectory := make([]Step, len(e.trajectory))
	copy(trajectory, e.trajectory)

	return Summary{
		Steps:           len(trajectory),
		LastResult:      e.last.String(),
		ObservationKeys: keys,
		Trajectory:      trajectory,
	}
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
