package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/calclaw/internal/types"
	"github.com/user/calclaw/pkg/llm"
)

// Env is the per-request context a tool runs in. Time arguments are
// resolved against Now in Location.
type Env struct {
	SessionID types.SessionID
	Now       time.Time
	Location  *time.Location
	Profile   types.Profile
}

// Handler executes a validated call. The returned value is marshaled to
// JSON as the tool result.
type Handler func(ctx context.Context, env Env, args Args) (any, error)

// Spec declares one operation the model may call.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	// Confirm marks operations that only run after the user confirms.
	Confirm bool
	// Check, when set, runs after parameter validation. Confirmed
	// operations are checked before the user is asked.
	Check   func(env Env, args Args) error
	Handler Handler
}

// Registry holds the operations in registration order.
type Registry struct {
	specs map[string]*Spec
	order []string
}

// NewRegistry creates a registry from specs. Duplicate names are an error.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]*Spec)}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an operation.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %s has no handler", s.Name)
	}
	if _, dup := r.specs[s.Name]; dup {
		return fmt.Errorf("tool %s registered twice", s.Name)
	}
	spec := s
	r.specs[s.Name] = &spec
	r.order = append(r.order, s.Name)
	return nil
}

// Get returns an operation by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns operation names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List converts registered operations to the LLM provider format.
func (r *Registry) List() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		s := r.specs[name]
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  schema(s.Params),
			},
		})
	}
	return out
}

// Validate checks raw arguments against the named operation and resolves
// time expressions.
func (r *Registry) Validate(env Env, name string, raw json.RawMessage) (Args, error) {
	s, ok := r.specs[name]
	if !ok {
		return nil, types.Errorf(types.KindUnknownTool, "runtime.validate", "unknown tool %q", name)
	}
	args, err := validate(env, s.Params, raw)
	if err != nil {
		return nil, err
	}
	if s.Check != nil {
		if err := s.Check(env, args); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// Invoke validates and runs the named operation, returning its JSON result.
func (r *Registry) Invoke(ctx context.Context, env Env, name string, raw json.RawMessage) (json.RawMessage, error) {
	args, err := r.Validate(env, name, raw)
	if err != nil {
		return nil, err
	}
	out, err := r.specs[name].Handler(ctx, env, args)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, "runtime.invoke", fmt.Errorf("encode %s result: %w", name, err))
	}
	return b, nil
}
