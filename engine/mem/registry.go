package mem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

// Class is the role of element in the graph.
type Class int

// Element classes.
const (
	SourceClass Class = iota
	FilterClass
	SinkClass
)

func (c Class) String() string {
	switch c {
	case SourceClass:
		return "source"
	case FilterClass:
		return "filter"
	case SinkClass:
		return "sink"
	}
	return "unknown"
}

// PropSpec describes element property.
type PropSpec struct {
	Name    string
	Kind    description.Kind
	Default string
	Blurb   string
}

// Factory creates elements of a single kind.
type Factory struct {
	Name        string
	Description string
	Class       Class
	Props       []PropSpec
	// Fanout allows multiple downstream links.
	Fanout bool
	// Fanin allows multiple upstream links.
	Fanin bool
	New   func(Env, Props) (Element, error)
}

// Env gives element access to its graph.
type Env struct {
	// Name of the element instance.
	Name string
	// Post puts message on the graph bus.
	Post func(engine.Message)
	// Wake notifies scheduler that element has work to do.
	Wake func()
}

// Props are validated element properties with defaults applied.
type Props struct {
	values map[string]description.Value
}

// String returns property as string.
func (p Props) String(name string) string {
	return p.values[name].Raw
}

// Int returns property as integer.
func (p Props) Int(name string) int64 {
	i, _ := p.values[name].Int()
	return i
}

// Float returns property as float.
func (p Props) Float(name string) float64 {
	f, _ := p.values[name].Float()
	return f
}

// Bool returns property as boolean.
func (p Props) Bool(name string) bool {
	b, _ := p.values[name].Bool()
	return b
}

// Duration returns integer property of microseconds as duration.
func (p Props) Duration(name string) time.Duration {
	return time.Duration(p.Int(name)) * time.Microsecond
}

// Registry holds element factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Factory
}

// NewRegistry returns registry with provided factories.
func NewRegistry(factories ...*Factory) *Registry {
	r := &Registry{factories: make(map[string]*Factory, len(factories))}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// DefaultRegistry returns registry with all built-in elements.
func DefaultRegistry() *Registry {
	return NewRegistry(builtins()...)
}

// Register adds factory to registry, replacing existing one with the
// same name.
func (r *Registry) Register(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Name] = f
}

// Lookup returns factory by element kind.
func (r *Registry) Lookup(name string) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Factories returns all factories sorted by name.
func (r *Registry) Factories() []*Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Factory, 0, len(r.factories))
	for _, f := range r.factories {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// props validates element properties against factory schema and
// applies defaults.
func (f *Factory) props(e description.Element) (Props, error) {
	values := make(map[string]description.Value, len(f.Props))
	for _, spec := range f.Props {
		values[spec.Name] = description.Value{Kind: spec.Kind, Raw: spec.Default}
	}
	for _, prop := range e.Props {
		spec, ok := f.spec(prop.Key)
		if !ok {
			return Props{}, fmt.Errorf("%s: %w %q", e.Name, engine.ErrUnknownProperty, prop.Key)
		}
		v := description.Value{Kind: spec.Kind, Raw: prop.Value.Raw, Quoted: prop.Value.Quoted}
		var err error
		switch spec.Kind {
		case description.Int:
			_, err = v.Int()
		case description.Float:
			_, err = v.Float()
		case description.Bool:
			_, err = v.Bool()
		}
		if err != nil {
			return Props{}, fmt.Errorf("%s: %w: %s: %v", e.Name, engine.ErrPropertyKind, prop.Key, err)
		}
		values[spec.Name] = v
	}
	return Props{values: values}, nil
}

func (f *Factory) spec(name string) (PropSpec, bool) {
	for _, s := range f.Props {
		if s.Name == name {
			return s, true
		}
	}
	return PropSpec{}, false
}
