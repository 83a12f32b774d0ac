package runtime

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/calclaw/internal/timeparse"
	"github.com/user/calclaw/internal/types"
)

const argsOp = "runtime.validate"

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString   ParamType = "string"
	TypeInteger  ParamType = "integer"
	TypeStrings  ParamType = "string[]"
	TypeDateTime ParamType = "datetime"
	TypeEnum     ParamType = "enum"
)

// TimeMode says how a datetime parameter treats a date with no clock.
type TimeMode int

const (
	// StartOfDay resolves a bare date to its first instant.
	StartOfDay TimeMode = iota
	// EndOfDay resolves a bare date to its last instant.
	EndOfDay
	// ClockRequired rejects a bare date as ambiguous.
	ClockRequired
)

// Param declares one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Time        TimeMode
	// Min and Max bound integer parameters when non-zero.
	Min, Max int
}

// Args holds validated, coerced arguments: string, int, []string or
// time.Time (UTC) depending on the declared type.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument and whether it was given.
func (a Args) Int(name string) (int, bool) {
	n, ok := a[name].(int)
	return n, ok
}

// Strings returns a string list argument.
func (a Args) Strings(name string) []string {
	s, _ := a[name].([]string)
	return s
}

// Time returns a resolved datetime argument and whether it was given.
func (a Args) Time(name string) (time.Time, bool) {
	t, ok := a[name].(time.Time)
	return t, ok
}

// JSON renders the arguments with times as RFC3339, so validating the
// result again yields the same instants.
func (a Args) JSON() json.RawMessage {
	out := make(map[string]any, len(a))
	for k, v := range a {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	b, _ := json.Marshal(out)
	return b
}

func invalid(format string, args ...any) error {
	return types.Errorf(types.KindValidation, argsOp, format, args...)
}

func validate(env Env, params []Param, raw json.RawMessage) (Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var in map[string]json.RawMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, invalid("arguments must be a JSON object")
	}

	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
	}
	var unknown []string
	for name := range in {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalid("unknown parameter %q", unknown[0])
	}

	out := make(Args, len(params))
	for _, p := range params {
		v, ok := in[p.Name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			if p.Required {
				return nil, invalid("missing required parameter %q", p.Name)
			}
			continue
		}
		val, err := coerce(env, p, v)
		if err != nil {
			return nil, err
		}
		if val == nil {
			if p.Required {
				return nil, invalid("missing required parameter %q", p.Name)
			}
			continue
		}
		out[p.Name] = val
	}
	return out, nil
}

// coerce converts one raw value. A nil result means the value was empty.
func coerce(env Env, p Param, v json.RawMessage) (any, error) {
	switch p.Type {
	case TypeString:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, invalid("parameter %q must be a string", p.Name)
		}
		if s = strings.TrimSpace(s); s == "" {
			return nil, nil
		}
		return s, nil

	case TypeEnum:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, invalid("parameter %q must be a string", p.Name)
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return nil, nil
		}
		for _, e := range p.Enum {
			if s == e {
				return s, nil
			}
		}
		return nil, invalid("parameter %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))

	case TypeInteger:
		n, err := integer(v)
		if err != nil {
			return nil, invalid("parameter %q must be an integer", p.Name)
		}
		if (p.Min != 0 && n < p.Min) || (p.Max != 0 && n > p.Max) {
			return nil, invalid("parameter %q must be between %d and %d", p.Name, p.Min, p.Max)
		}
		return n, nil

	case TypeStrings:
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			var one string
			if err := json.Unmarshal(v, &one); err != nil {
				return nil, invalid("parameter %q must be a list of strings", p.Name)
			}
			list = []string{one}
		}
		out := list[:0]
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil

	case TypeDateTime:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, invalid("parameter %q must be a date/time string", p.Name)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		var opts []timeparse.Option
		switch p.Time {
		case EndOfDay:
			opts = append(opts, timeparse.EndOfDay())
		case ClockRequired:
			opts = append(opts, timeparse.RequireClock())
		}
		t, err := timeparse.Normalize(s, env.Now, env.Location, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, invalid("parameter %q has unsupported type %s", p.Name, p.Type)
}

func integer(v json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, err
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, err
		}
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, strconv.ErrRange
	}
	return int(f), nil
}

type schemaProp struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Items       *schemaProp `json:"items,omitempty"`
}

type schemaObject struct {
	Type       string                 `json:"type"`
	Properties map[string]*schemaProp `json:"properties"`
	Required   []string               `json:"required,omitempty"`
}

// schema renders params as a JSON Schema object.
func schema(params []Param) json.RawMessage {
	obj := schemaObject{Type: "object", Properties: make(map[string]*schemaProp, len(params))}
	for _, p := range params {
		prop := &schemaProp{Type: "string", Description: p.Description}
		switch p.Type {
		case TypeInteger:
			prop.Type = "integer"
		case TypeStrings:
			prop.Type = "array"
			prop.Items = &schemaProp{Type: "string"}
		case TypeEnum:
			prop.Enum = p.Enum
		case TypeDateTime:
			prop.Description = strings.TrimSpace(prop.Description +
				` Accepts ISO 8601 or phrases like "tomorrow at 2pm", in the user's time zone.`)
		}
		obj.Properties[p.Name] = prop
		if p.Required {
			obj.Required = append(obj.Required, p.Name)
		}
	}
	b, _ := json.Marshal(obj)
	return b
}
