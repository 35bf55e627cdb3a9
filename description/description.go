/*
Package description parses textual pipeline descriptions.

A description is a sequence of element stages linked with "!":

	videotestsrc num-buffers=10 ! tee name=t
	t. ! queue ! video/x-raw,format=RGB ! appsink
	t. ! queue ! filesink location="/tmp/out.raw"

Every stage is an element kind followed by key=value properties. A bare
caps stage (media/type,field=value) is a shorthand for a capsfilter
element. A token of the form "name." references an element by its name
and starts or continues a chain, which is how branches fan out and in.

Parse also detects boundary elements, the ones which exchange buffers
with application code: producers (appsrc) feed data into the graph and
consumers (appsink) hand data out of it.
*/
package description

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type of a property value.
type Kind int

// Property value kinds.
const (
	String Kind = iota
	Int
	Float
	Bool
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	}
	return "unknown"
}

// Value is a tagged property value. Raw always holds the unquoted text,
// so values can be coerced to the kind the engine expects.
type Value struct {
	Kind   Kind
	Raw    string
	Quoted bool
}

// Property is a single key=value pair of the element.
type Property struct {
	Key   string
	Value Value
}

// Element is a single stage of the pipeline.
type Element struct {
	Name    string
	Factory string
	Props   []Property
}

// Link connects two elements by their names.
type Link struct {
	From string
	To   string
}

// Pipeline is the parsed description. It's immutable after Parse returns.
type Pipeline struct {
	Text     string
	Elements []Element
	Links    []Link
	// Producer is the name of application-facing producer element.
	// Empty if there is no managed producer.
	Producer string
	// Consumers are the names of application-facing consumer elements.
	// The first one is the primary consumer.
	Consumers []string
	// ProducerCaps and ConsumerCaps are format hints declared in the
	// description for the boundaries.
	ProducerCaps string
	ConsumerCaps string
}

// NewValue returns value with a kind inferred from its text.
func NewValue(raw string, quoted bool) Value {
	v := Value{Kind: String, Raw: raw, Quoted: quoted}
	if quoted {
		return v
	}
	switch {
	case raw == "true" || raw == "false":
		v.Kind = Bool
	case isInt(raw):
		v.Kind = Int
	case isFloat(raw):
		v.Kind = Float
	}
	return v
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isFloat(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func (v Value) String() string {
	return v.Raw
}

// Int returns value as integer.
func (v Value) Int() (int64, error) {
	i, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not %v", v.Raw, Int)
	}
	return i, nil
}

// Float returns value as float.
func (v Value) Float() (float64, error) {
	f, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not %v", v.Raw, Float)
	}
	return f, nil
}

// Bool returns value as boolean.
func (v Value) Bool() (bool, error) {
	b, err := strconv.ParseBool(v.Raw)
	if err != nil {
		return false, fmt.Errorf("value %q is not %v", v.Raw, Bool)
	}
	return b, nil
}

// Prop returns property value by its key.
func (e Element) Prop(key string) (Value, bool) {
	for i := len(e.Props) - 1; i >= 0; i-- {
		if e.Props[i].Key == key {
			return e.Props[i].Value, true
		}
	}
	return Value{}, false
}

// Element returns element by its name.
func (p *Pipeline) Element(name string) (Element, bool) {
	for _, e := range p.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

// Upstream returns names of elements linked into the named one.
func (p *Pipeline) Upstream(name string) []string {
	var names []string
	for _, l := range p.Links {
		if l.To == name {
			names = append(names, l.From)
		}
	}
	return names
}

// Downstream returns names of elements the named one is linked to.
func (p *Pipeline) Downstream(name string) []string {
	var names []string
	for _, l := range p.Links {
		if l.From == name {
			names = append(names, l.To)
		}
	}
	return names
}

// Consumer returns the primary consumer or empty string.
func (p *Pipeline) Consumer() string {
	if len(p.Consumers) == 0 {
		return ""
	}
	return p.Consumers[0]
}

// IsConsumer checks if element is one of consumers.
func (p *Pipeline) IsConsumer(name string) bool {
	for _, c := range p.Consumers {
		if c == name {
			return true
		}
	}
	return false
}

// WithDefaults returns a copy of pipeline where element has provided
// properties unless they are already set. Unknown element is ignored.
func (p *Pipeline) WithDefaults(name string, defaults ...Property) *Pipeline {
	c := *p
	c.Elements = make([]Element, len(p.Elements))
	copy(c.Elements, p.Elements)
	for i, e := range c.Elements {
		if e.Name != name {
			continue
		}
		props := append([]Property(nil), e.Props...)
		for _, d := range defaults {
			if _, ok := e.Prop(d.Key); !ok {
				props = append(props, d)
			}
		}
		c.Elements[i].Props = props
	}
	return &c
}

// String serializes the pipeline back into description syntax. All
// elements are named explicitly and linked through references, so the
// result is accepted by any gst-launch compatible parser.
func (p *Pipeline) String() string {
	var b strings.Builder
	for i, e := range p.Elements {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Factory)
		b.WriteString(" name=")
		b.WriteString(e.Name)
		for _, prop := range e.Props {
			b.WriteByte(' ')
			b.WriteString(prop.Key)
			b.WriteByte('=')
			b.WriteString(quote(prop.Value))
		}
	}
	for _, l := range p.Links {
		fmt.Fprintf(&b, " %s. ! %s.", l.From, l.To)
	}
	return b.String()
}

func quote(v Value) string {
	if !v.Quoted && !strings.ContainsAny(v.Raw, " \t\n\"'!") && v.Raw != "" {
		return v.Raw
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v.Raw) + `"`
}
