package transform

import (
	"fmt"
	"sort"
	"sync"
)

// Parameter names the loop writes on every tick
const (
	ParamTime = "time"
	ParamTick = "tick"
)

// Value is a scalar or a 2-4 component vector. N is the component count.
type Value struct {
	V [4]float64
	N int
}

// Scalar returns a one-component value
func Scalar(x float64) Value {
	return Value{V: [4]float64{x}, N: 1}
}

// Vec returns a vector value from 1-4 components
func Vec(c ...float64) (Value, error) {
	if len(c) == 0 || len(c) > 4 {
		return Value{}, fmt.Errorf("vector must have 1-4 components, got %d", len(c))
	}
	v := Value{N: len(c)}
	copy(v.V[:], c)
	return v, nil
}

// Float returns the first component
func (v Value) Float() float64 {
	return v.V[0]
}

// Components returns the used components
func (v Value) Components() []float64 {
	out := make([]float64, v.N)
	copy(out, v.V[:v.N])
	return out
}

// Interface returns a float64 for scalars and a []float64 for vectors,
// the shape used by the HTTP API and scripts.
func (v Value) Interface() any {
	if v.N <= 1 {
		return v.V[0]
	}
	return v.Components()
}

// ValueFrom converts a decoded JSON/YAML value (number or list of numbers)
func ValueFrom(raw any) (Value, error) {
	switch val := raw.(type) {
	case float64:
		return Scalar(val), nil
	case float32:
		return Scalar(float64(val)), nil
	case int:
		return Scalar(float64(val)), nil
	case int64:
		return Scalar(float64(val)), nil
	case []float64:
		return Vec(val...)
	case []any:
		comps := make([]float64, 0, len(val))
		for _, item := range val {
			c, err := ValueFrom(item)
			if err != nil || c.N != 1 {
				return Value{}, fmt.Errorf("vector components must be numbers, got %T", item)
			}
			comps = append(comps, c.Float())
		}
		return Vec(comps...)
	default:
		return Value{}, fmt.Errorf("unsupported parameter value type %T", raw)
	}
}

// Params is the per-tick parameter set handed to a transform. It is a
// by-value snapshot; transforms only read it.
type Params map[string]Value

// Float returns the scalar value of name, or def when absent
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v.Float()
	}
	return def
}

// Vec2 returns the first two components of name, or def when absent
func (p Params) Vec2(name string, def [2]float64) [2]float64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	if v.N == 1 {
		return [2]float64{v.V[0], v.V[0]}
	}
	return [2]float64{v.V[0], v.V[1]}
}

// Names returns the parameter names in sorted order
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Export converts to plain numbers/slices for JSON
func (p Params) Export() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// Store holds parameters set from outside the tick loop. Writes are
// last-write-wins per key; the loop reads one Snapshot per tick.
type Store struct {
	mu     sync.RWMutex
	values Params
}

// NewStore creates a store seeded with initial values
func NewStore(initial Params) *Store {
	s := &Store{values: make(Params)}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Set stores value under name
func (s *Store) Set(name string, value Value) error {
	if name == "" {
		return fmt.Errorf("parameter name must not be empty")
	}
	if name == ParamTime || name == ParamTick {
		return fmt.Errorf("parameter %q is set by the pipeline", name)
	}
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
	return nil
}

// SetFloat is Set with a scalar
func (s *Store) SetFloat(name string, x float64) error {
	return s.Set(name, Scalar(x))
}

// Delete removes name. It reports whether the key existed.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[name]
	delete(s.values, name)
	return ok
}

// Get returns the value of name
func (s *Store) Get(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Snapshot returns a copy of the current values
func (s *Store) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Clone()
}
