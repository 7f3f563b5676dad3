// Package callbacks resolves observation decoders named in the robot
// configuration against a fixed allow-list of built-in functions.
package callbacks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// CallbackKey is the robot config descriptor field naming a decoder.
	CallbackKey = "callback_api"

	// BuiltinModule is the module name the built-in decoders register under.
	BuiltinModule = "api_callbacks"
)

// ErrUnknownCallback is matched by every ResolutionError.
var ErrUnknownCallback = errors.New("unknown observation callback")

// Decoder transforms a raw observation value into its decoded form.
type Decoder func(raw any) (any, error)

// ResolutionError reports a callback reference that could not be resolved.
type ResolutionError struct {
	Observation string
	Reference   string
	Reason      string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf(
		"resolve callback %q for observation %q: %s",
		e.Reference,
		e.Observation,
		e.Reason,
	)
}

// Is enables errors.Is checks against ErrUnknownCallback.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrUnknownCallback
}

// Catalog is the allow-list of decoders a robot config may reference.
type Catalog struct {
	mu      sync.RWMutex
	modules map[string]map[string]Decoder
}

// NewCatalog returns a catalog preloaded with the built-in decoders.
func NewCatalog() *Catalog {
	catalog := &Catalog{modules: map[string]map[string]Decoder{}}
	catalog.mustRegister(BuiltinModule, "decode_color_image", DecodeColorImage)
	catalog.mustRegister(BuiltinModule, "decode_jsonpickle", DecodeJSONPickle)
	return catalog
}

// Register adds fn under module.name.
func (c *Catalog) Register(module, name string, fn Decoder) error {
	module = strings.TrimSpace(module)
	name = strings.TrimSpace(name)
	if module == "" || name == "" {
		return errors.New("callback module and name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("callback %s.%s must not be nil", module, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modules[module] == nil {
		c.modules[module] = map[string]Decoder{}
	}
	c.modules[module][name] = fn
	return nil
}

func (c *Catalog) mustRegister(module, name string, fn Decoder) {
	if err := c.Register(module, name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the decoder registered for a dotted reference such as
// "api_callbacks.decode_color_image".
func (c *Catalog) Lookup(reference string) (Decoder, bool) {
	module, name, ok := splitReference(reference)
	if !ok {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.modules[module][name]
	return fn, ok
}

// Resolve builds a registry from the supervisor robot configuration, a map
// from observation name to descriptor. Descriptors without a callback_api
// resolve to the identity transform.
func (c *Catalog) Resolve(robot map[string]any) (*Registry, error) {
	registry := &Registry{decoders: make(map[string]Decoder, len(robot))}

	keys := make([]string, 0, len(robot))
	for key := range robot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		descriptor, ok := robot[key].(map[string]any)
		if !ok {
			registry.decoders[key] = nil
			continue
		}
		rawReference, ok := descriptor[CallbackKey]
		if !ok {
			registry.decoders[key] = nil
			continue
		}

		reference, ok := rawReference.(string)
		if !ok {
			return nil, &ResolutionError{
				Observation: key,
				Reference:   fmt.Sprintf("%v", rawReference),
				Reason:      "reference must be a string",
			}
		}
		if _, _, ok := splitReference(reference); !ok {
			return nil, &ResolutionError{
				Observation: key,
				Reference:   reference,
				Reason:      "reference must have the form module.function",
			}
		}
		fn, ok := c.Lookup(reference)
		if !ok {
			return nil, &ResolutionError{
				Observation: key,
				Reference:   reference,
				Reason:      "no such function in callback catalog",
			}
		}
		registry.decoders[key] = fn
	}

	return registry, nil
}

func splitReference(reference string) (string, string, bool) {
	reference = strings.TrimSpace(reference)
	idx := strings.LastIndex(reference, ".")
	if idx <= 0 || idx == len(reference)-1 {
		return "", "", false
	}
	return reference[:idx], reference[idx+1:], true
}

// Registry maps observation names to their decoders. It is read-only once
// built and safe for concurrent use.
type Registry struct {
	decoders map[string]Decoder
}

// EmptyRegistry returns a registry with no callbacks.
func EmptyRegistry() *Registry {
	return &Registry{decoders: map[string]Decoder{}}
}

// Has reports whether key has a registered decoder.
func (r *Registry) Has(key string) bool {
	if r == nil {
		return false
	}
	return r.decoders[key] != nil
}

// Keys returns every observation name the robot config described, sorted.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.decoders))
	for key := range r.decoders {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Decode applies the decoder registered for key to raw, or returns raw
// unchanged when there is none.
func (r *Registry) Decode(key string, raw any) (any, error) {
	if !r.Has(key) {
		return raw, nil
	}
	decoded, err := r.decoders[key](raw)
	if err != nil {
		return nil, fmt.Errorf("decode observation %q: %w", key, err)
	}
	return decoded, nil
}
