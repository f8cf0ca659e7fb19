package backend

import (
	"fmt"
	"slices"
	"sort"

	"github.com/spf13/cast"

	"firestige.xyz/usbview/internal/core"
)

// Kind tags the variant of an option Type.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindIntRange
	KindChoice
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindIntRange:
		return "int"
	case KindChoice:
		return "choice"
	default:
		return "unknown option type"
	}
}

// Type is the tag of an option together with its constraints.
type Type struct {
	Kind    Kind     `json:"kind" yaml:"kind"`
	Min     int      `json:"min,omitempty" yaml:"min,omitempty"`
	Max     int      `json:"max,omitempty" yaml:"max,omitempty"`
	Choices []string `json:"choices,omitempty" yaml:"choices,omitempty"`
}

func Bool() Type { return Type{Kind: KindBool} }

func IntRange(min, max int) Type { return Type{Kind: KindIntRange, Min: min, Max: max} }

func Choice(options ...string) Type { return Type{Kind: KindChoice, Choices: options} }

// Value is the current value of an option. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind Kind   `json:"-" yaml:"-"`
	B    bool   `json:"bool,omitempty" yaml:"bool,omitempty"`
	I    int    `json:"int,omitempty" yaml:"int,omitempty"`
	S    string `json:"choice,omitempty" yaml:"choice,omitempty"`
}

func BoolValue(b bool) Value { return Value{Kind: KindBool, B: b} }

func IntValue(i int) Value { return Value{Kind: KindIntRange, I: i} }

func ChoiceValue(s string) Value { return Value{Kind: KindChoice, S: s} }

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprint(v.B)
	case KindIntRange:
		return fmt.Sprint(v.I)
	default:
		return v.S
	}
}

// Validate checks v against the constraints of t.
func (t Type) Validate(v Value) error {
	if v.Kind != t.Kind {
		return fmt.Errorf("value of type %s for %s option", v.Kind, t.Kind)
	}
	switch t.Kind {
	case KindBool:
		return nil
	case KindIntRange:
		if v.I < t.Min || v.I > t.Max {
			return fmt.Errorf("%d out of range [%d, %d]", v.I, t.Min, t.Max)
		}
		return nil
	case KindChoice:
		if !slices.Contains(t.Choices, v.S) {
			return fmt.Errorf("%q is not one of %v", v.S, t.Choices)
		}
		return nil
	default:
		return fmt.Errorf("unknown option type")
	}
}

// Parse coerces a loosely typed configuration value into a Value of type t
// and validates it.
func (t Type) Parse(raw any) (Value, error) {
	var v Value
	switch t.Kind {
	case KindBool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return Value{}, err
		}
		v = BoolValue(b)
	case KindIntRange:
		i, err := cast.ToIntE(raw)
		if err != nil {
			return Value{}, err
		}
		v = IntValue(i)
	case KindChoice:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return Value{}, err
		}
		v = ChoiceValue(s)
	default:
		return Value{}, fmt.Errorf("unknown option type")
	}
	return v, t.Validate(v)
}

// Option is one entry of a backend schema.
type Option struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Type  Type   `json:"type" yaml:"type"`
	Value Value  `json:"value" yaml:"value"` // default in a schema, current value once resolved
}

// Options is a resolved, read-only option set handed to Open.
type Options struct {
	opts []Option
}

// Resolve applies raw values from configuration to schema. Keys missing from
// raw keep their defaults; unknown keys and invalid values are rejected.
func Resolve(schema []Option, raw map[string]any) (Options, error) {
	opts := make([]Option, len(schema))
	copy(opts, schema)
	index := make(map[string]int, len(opts))
	for i, o := range opts {
		if err := o.Type.Validate(o.Value); err != nil {
			return Options{}, fmt.Errorf("%w: default of %q: %v", core.ErrInvalidOption, o.Key, err)
		}
		index[o.Key] = i
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		i, ok := index[k]
		if !ok {
			return Options{}, fmt.Errorf("%w: unknown option %q", core.ErrInvalidOption, k)
		}
		v, err := opts[i].Type.Parse(raw[k])
		if err != nil {
			return Options{}, fmt.Errorf("%w: %q: %v", core.ErrInvalidOption, k, err)
		}
		opts[i].Value = v
	}
	return Options{opts: opts}, nil
}

// Get returns the value of key.
func (o Options) Get(key string) (Value, bool) {
	for _, opt := range o.opts {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return Value{}, false
}

func (o Options) Bool(key string) bool {
	v, _ := o.Get(key)
	return v.B
}

func (o Options) Int(key string) int {
	v, _ := o.Get(key)
	return v.I
}

func (o Options) Choice(key string) string {
	v, _ := o.Get(key)
	return v.S
}

// List returns a copy of the resolved options in schema order.
func (o Options) List() []Option {
	return slices.Clone(o.opts)
}
