package episode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ActionResult is the outcome derived after every step.
type ActionResult int

const (
	// ResultSuccess means the step completed and the episode continues.
	ResultSuccess ActionResult = iota
	// ResultFinished means the supervisor reports the task finished.
	ResultFinished
	// ResultCollision means the robot collided. It takes precedence over finished.
	ResultCollision
)

func (r ActionResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFinished:
		return "finished"
	case ResultCollision:
		return "collision"
	default:
		return fmt.Sprintf("ActionResult(%d)", int(r))
	}
}

// Action names.
const (
	ActionMoveNext     = "move_next"
	ActionMoveDistance = "move_distance"
	ActionMoveAngle    = "move_angle"
)

// actionSpecs maps each action to the exact set of arguments it requires.
var actionSpecs = map[string][]string{
	ActionMoveNext:     {},
	ActionMoveDistance: {"distance"},
	ActionMoveAngle:    {"angle"},
}

// Action is a named command with its arguments, submitted by an agent.
type Action struct {
	Name string
	Args map[string]any
}

// ValidActions returns the catalog of action names, sorted.
func ValidActions() []string {
	names := make([]string, 0, len(actionSpecs))
	for name := range actionSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredArgs returns the argument names required by action.
func RequiredArgs(action string) ([]string, bool) {
	args, ok := actionSpecs[action]
	if !ok {
		return nil, false
	}
	return append([]string{}, args...), true
}

// ErrInvalidActionRequest is matched by every action validation error.
var ErrInvalidActionRequest = errors.New("invalid action request")

// InvalidActionError reports an action name outside the catalog.
type InvalidActionError struct {
	Action string
	Valid  []string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("%q is not a valid action, valid actions are: %s", e.Action, strings.Join(e.Valid, ", "))
}

// Is enables errors.Is checks against ErrInvalidActionRequest.
func (e *InvalidActionError) Is(target error) bool {
	return target == ErrInvalidActionRequest
}

// ArgumentCountError reports a wrong number of arguments for an action.
type ArgumentCountError struct {
	Action   string
	Required int
	Supplied int
}

func (e *ArgumentCountError) Error() string {
	return fmt.Sprintf("%s requires %d arguments, you supplied %d", e.Action, e.Required, e.Supplied)
}

// Is enables errors.Is checks against ErrInvalidActionRequest.
func (e *ArgumentCountError) Is(target error) bool {
	return target == ErrInvalidActionRequest
}

// InvalidArgumentError reports argument names an action does not accept.
type InvalidArgumentError struct {
	Action  string
	Valid   []string
	Invalid []string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf(
		"valid arguments to %s are: %s; the following arguments are invalid: %s",
		e.Action,
		strings.Join(e.Valid, ", "),
		strings.Join(e.Invalid, ", "),
	)
}

// Is enables errors.Is checks against ErrInvalidActionRequest.
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidActionRequest
}

// ValidateAction checks action against the catalog: the name must exist and
// the supplied argument names must equal the required set.
func ValidateAction(action Action) error {
	required, ok := actionSpecs[action.Name]
	if !ok {
		return &InvalidActionError{Action: action.Name, Valid: ValidActions()}
	}
	if len(action.Args) != len(required) {
		return &ArgumentCountError{
			Action:   action.Name,
			Required: len(required),
			Supplied: len(action.Args),
		}
	}

	allowed := make(map[string]struct{}, len(required))
	for _, name := range required {
		allowed[name] = struct{}{}
	}
	invalid := make([]string, 0)
	for name := range action.Args {
		if _, ok := allowed[name]; !ok {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return &InvalidArgumentError{
			Action:  action.Name,
			Valid:   append([]string{}, required...),
			Invalid: invalid,
		}
	}
	return nil
}
