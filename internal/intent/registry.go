package intent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one allowlisted action against the execution backend.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ParamKind is the expected JSON shape of one parameter.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindObject ParamKind = "object"
	KindList   ParamKind = "list"
)

// ParamSpec is the parameter schema for one action. Each allowlisted action
// carries its own spec, keyed by action name, and parameters are validated
// against it before dispatch — opaque bags are never handed to a handler.
type ParamSpec struct {
	Required map[string]ParamKind
	Optional map[string]ParamKind
}

// Validate checks params against the spec and returns one message per
// violation. Unknown parameters are rejected.
func (s ParamSpec) Validate(params map[string]interface{}) []string {
	var problems []string

	for name, kind := range s.Required {
		v, ok := params[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
			continue
		}
		if !matchesKind(v, kind) {
			problems = append(problems, fmt.Sprintf("parameter %q must be a %s", name, kind))
		}
	}
	for name, v := range params {
		if _, ok := s.Required[name]; ok {
			continue
		}
		kind, ok := s.Optional[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		if !matchesKind(v, kind) {
			problems = append(problems, fmt.Sprintf("parameter %q must be a %s", name, kind))
		}
	}

	sort.Strings(problems)
	return problems
}

func matchesKind(v interface{}, kind ParamKind) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindList:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}

// action pairs a parameter spec with its bound handler.
type action struct {
	spec    ParamSpec
	handler Handler
	custom  bool
}

// Registry holds the action allowlist: the static built-in set plus any
// runtime-registered custom actions. It is owned by the engine instance it
// is injected into — there is no process-wide registry.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*action
}

// builtinSpecs is the static allowlist with per-action parameter schemas.
var builtinSpecs = map[string]ParamSpec{
	"log_message": {
		Required: map[string]ParamKind{"message": KindString},
		Optional: map[string]ParamKind{"level": KindString},
	},
	"get_status":   {},
	"health_check": {},
	"list_items": {
		Optional: map[string]ParamKind{"collection": KindString, "limit": KindNumber},
	},
	"read_data": {
		Required: map[string]ParamKind{"key": KindString},
	},
	"fetch_config": {
		Optional: map[string]ParamKind{"section": KindString},
	},
	"validate_input": {
		Required: map[string]ParamKind{"input": KindString},
	},
	"compute_hash": {
		Required: map[string]ParamKind{"input": KindString},
		Optional: map[string]ParamKind{"algorithm": KindString},
	},
	"format_output": {
		Required: map[string]ParamKind{"template": KindString},
		Optional: map[string]ParamKind{"values": KindObject},
	},
}

// NewRegistry creates a registry seeded with the static allowlist. Handlers
// start unbound; the execution backend binds them with Bind.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]*action, len(builtinSpecs))}
	for name, spec := range builtinSpecs {
		r.actions[name] = &action{spec: spec}
	}
	return r
}

// Allowed reports whether the action is in the allowlist (built-in or
// custom-registered).
func (r *Registry) Allowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Spec returns the parameter schema for an allowlisted action.
func (r *Registry) Spec(name string) (ParamSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return ParamSpec{}, false
	}
	return a.spec, true
}

// Bind attaches a handler to an already-allowlisted action.
func (r *Registry) Bind(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[name]
	if !ok {
		return fmt.Errorf("action %q is not allowlisted", name)
	}
	a.handler = h
	return nil
}

// RegisterCustom adds a custom action with its schema and handler. Custom
// actions join the allowlist for this registry instance only.
func (r *Registry) RegisterCustom(name string, spec ParamSpec, h Handler) error {
	if name == "" {
		return fmt.Errorf("custom action name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = &action{spec: spec, handler: h, custom: true}
	return nil
}

// handlerFor returns the bound handler for an action, if any.
func (r *Registry) handlerFor(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok || a.handler == nil {
		return nil, false
	}
	return a.handler, true
}

// Actions returns the sorted allowlist, for diagnostics.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
