package description

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrEmptyDescription is returned when description has no stages.
	ErrEmptyDescription = errors.New("empty description")
	// ErrMalformedProperty is returned when property has invalid syntax
	// or appears where no element can own it.
	ErrMalformedProperty = errors.New("malformed property")
	// ErrMalformedLink is returned for dangling or doubled links.
	ErrMalformedLink = errors.New("malformed link")
	// ErrUnexpectedToken is returned when token is not an element,
	// a caps stage, a reference, a property or a link.
	ErrUnexpectedToken = errors.New("unexpected token")
	// ErrUnterminatedQuote is returned when quote is not closed.
	ErrUnterminatedQuote = errors.New("unterminated quote")
	// ErrUnknownReference is returned when reference or designated
	// boundary doesn't match any element name.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrDuplicateName is returned when two elements share a name.
	ErrDuplicateName = errors.New("duplicate element name")
	// ErrAmbiguousBoundary is returned when the producer is also
	// designated as a consumer.
	ErrAmbiguousBoundary = errors.New("ambiguous boundary")
)

// Error describes the position in description where parsing failed.
type Error struct {
	Pos   int
	Token string
	Err   error
}

func (e *Error) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parse description: %v", e.Err)
	}
	return fmt.Sprintf("parse description: %v at %d: %q", e.Err, e.Pos, e.Token)
}

// Unwrap returns the underlying sentinel error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Default boundary element kinds.
var (
	DefaultProducerKinds = []string{"appsrc"}
	DefaultConsumerKinds = []string{"appsink", "sink"}
)

type config struct {
	producerKinds []string
	consumerKinds []string
	producer      string
	consumers     []string
}

// Option configures boundary detection.
type Option func(*config)

// WithProducerKinds overrides element kinds detected as producers.
func WithProducerKinds(kinds ...string) Option {
	return func(c *config) {
		c.producerKinds = kinds
	}
}

// WithConsumerKinds overrides element kinds detected as consumers.
func WithConsumerKinds(kinds ...string) Option {
	return func(c *config) {
		c.consumerKinds = kinds
	}
}

// WithProducer designates the producer by element name.
func WithProducer(name string) Option {
	return func(c *config) {
		c.producer = name
	}
}

// WithConsumers designates consumers by element names. The first one
// becomes the primary consumer.
func WithConsumers(names ...string) Option {
	return func(c *config) {
		c.consumers = append(c.consumers, names...)
	}
}

var (
	identRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_+-]*$`)
	propKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
	referenceRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)\.([A-Za-z0-9_%-]*)$`)
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenLink
)

type token struct {
	kind   tokenKind
	text   string
	pos    int
	quoted bool
}

// tokenize splits description into words and links. Quotes group text
// with whitespace; a backslash escapes the next character.
func tokenize(s string) ([]token, error) {
	var (
		tokens []token
		b      strings.Builder
		start  = -1
		quoted bool
		quote  rune
	)
	flush := func() {
		if start >= 0 {
			tokens = append(tokens, token{kind: tokenWord, text: b.String(), pos: start, quoted: quoted})
		}
		b.Reset()
		start = -1
		quoted = false
	}
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			switch {
			case r == '\\' && i+1 < len(runes):
				i++
				b.WriteRune(runes[i])
			case r == quote:
				quote = 0
			default:
				b.WriteRune(r)
			}
		case r == '"' || r == '\'':
			if start < 0 {
				start = i
			}
			quote = r
			quoted = true
		case r == '\\' && i+1 < len(runes):
			if start < 0 {
				start = i
			}
			i++
			b.WriteRune(runes[i])
		case unicode.IsSpace(r):
			flush()
		case r == '!':
			flush()
			tokens = append(tokens, token{kind: tokenLink, text: "!", pos: i})
		default:
			if start < 0 {
				start = i
			}
			b.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, &Error{Pos: start, Token: b.String(), Err: ErrUnterminatedQuote}
	}
	flush()
	return tokens, nil
}

// endpoint is either an element index or a reference name.
type endpoint struct {
	index int
	ref   string
}

type rawLink struct {
	from, to endpoint
	pos      int
}

type parser struct {
	elements []Element
	named    []bool
	links    []rawLink
	cur      *endpoint
	pending  *token
}

// Parse parses the description and detects boundaries.
func Parse(text string, options ...Option) (*Pipeline, error) {
	c := config{
		producerKinds: DefaultProducerKinds,
		consumerKinds: DefaultConsumerKinds,
	}
	for _, option := range options {
		option(&c)
	}
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Err: ErrEmptyDescription}
	}
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}

	var p parser
	for i := range tokens {
		if err := p.consume(tokens[i]); err != nil {
			return nil, err
		}
	}
	if p.pending != nil {
		return nil, &Error{Pos: p.pending.pos, Token: p.pending.text, Err: ErrMalformedLink}
	}
	if len(p.elements) == 0 {
		return nil, &Error{Err: ErrEmptyDescription}
	}

	pipeline, err := p.build(text)
	if err != nil {
		return nil, err
	}
	if err := pipeline.detectBoundaries(c); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (p *parser) consume(t token) error {
	if t.kind == tokenLink {
		if p.cur == nil || p.pending != nil {
			return &Error{Pos: t.pos, Token: t.text, Err: ErrMalformedLink}
		}
		p.pending = &t
		return nil
	}
	switch {
	case t.quoted && !strings.Contains(t.text, "="):
		return &Error{Pos: t.pos, Token: t.text, Err: ErrUnexpectedToken}
	case isCaps(t.text):
		p.addElement(Element{
			Factory: "capsfilter",
			Props:   []Property{{Key: "caps", Value: Value{Kind: String, Raw: t.text}}},
		})
	case strings.Contains(t.text, "="):
		return p.addProperty(t)
	case referenceRe.MatchString(t.text):
		name := referenceRe.FindStringSubmatch(t.text)[1]
		p.addEndpoint(endpoint{index: -1, ref: name}, t.pos)
	case identRe.MatchString(t.text):
		p.addElement(Element{Factory: t.text})
	default:
		return &Error{Pos: t.pos, Token: t.text, Err: ErrUnexpectedToken}
	}
	return nil
}

// isCaps reports whether token is a caps stage: media type with a slash
// before any field assignment.
func isCaps(s string) bool {
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || !unicode.IsLetter(rune(s[0])) {
		return false
	}
	eq := strings.IndexByte(s, '=')
	return eq < 0 || slash < eq
}

func (p *parser) addElement(e Element) {
	p.elements = append(p.elements, e)
	p.named = append(p.named, false)
	p.addEndpoint(endpoint{index: len(p.elements) - 1}, 0)
}

func (p *parser) addEndpoint(e endpoint, pos int) {
	if p.pending != nil {
		p.links = append(p.links, rawLink{from: *p.cur, to: e, pos: p.pending.pos})
		p.pending = nil
	}
	p.cur = &e
}

func (p *parser) addProperty(t token) error {
	if p.cur == nil || p.cur.index < 0 || p.pending != nil {
		return &Error{Pos: t.pos, Token: t.text, Err: ErrMalformedProperty}
	}
	key, value, _ := strings.Cut(t.text, "=")
	if !propKeyRe.MatchString(key) || (value == "" && !t.quoted) {
		return &Error{Pos: t.pos, Token: t.text, Err: ErrMalformedProperty}
	}
	e := &p.elements[p.cur.index]
	if key == "name" {
		e.Name = value
		p.named[p.cur.index] = true
		return nil
	}
	e.Props = append(e.Props, Property{Key: key, Value: NewValue(value, t.quoted)})
	return nil
}

// build assigns names to anonymous elements and resolves references.
func (p *parser) build(text string) (*Pipeline, error) {
	names := make(map[string]int, len(p.elements))
	for i := range p.elements {
		if !p.named[i] {
			continue
		}
		if _, ok := names[p.elements[i].Name]; ok {
			return nil, &Error{Token: p.elements[i].Name, Err: ErrDuplicateName}
		}
		names[p.elements[i].Name] = i
	}
	counters := make(map[string]int)
	for i := range p.elements {
		if p.named[i] {
			continue
		}
		for {
			n := counters[p.elements[i].Factory]
			counters[p.elements[i].Factory] = n + 1
			name := fmt.Sprintf("%s%d", p.elements[i].Factory, n)
			if _, ok := names[name]; !ok {
				p.elements[i].Name = name
				names[name] = i
				break
			}
		}
	}

	resolve := func(e endpoint, pos int) (string, error) {
		if e.index >= 0 {
			return p.elements[e.index].Name, nil
		}
		if _, ok := names[e.ref]; !ok {
			return "", &Error{Pos: pos, Token: e.ref + ".", Err: ErrUnknownReference}
		}
		return e.ref, nil
	}
	links := make([]Link, 0, len(p.links))
	for _, l := range p.links {
		from, err := resolve(l.from, l.pos)
		if err != nil {
			return nil, err
		}
		to, err := resolve(l.to, l.pos)
		if err != nil {
			return nil, err
		}
		if from == to {
			return nil, &Error{Pos: l.pos, Token: from, Err: ErrMalformedLink}
		}
		links = append(links, Link{From: from, To: to})
	}
	return &Pipeline{
		Text:     text,
		Elements: p.elements,
		Links:    links,
	}, nil
}

func (p *Pipeline) detectBoundaries(c config) error {
	if c.producer != "" {
		if _, ok := p.Element(c.producer); !ok {
			return &Error{Token: c.producer, Err: ErrUnknownReference}
		}
		p.Producer = c.producer
	} else if found := p.byKind(c.producerKinds); len(found) == 1 {
		p.Producer = found[0]
	}

	if len(c.consumers) > 0 {
		seen := make(map[string]struct{}, len(c.consumers))
		for _, name := range c.consumers {
			if _, ok := p.Element(name); !ok {
				return &Error{Token: name, Err: ErrUnknownReference}
			}
			if _, ok := seen[name]; ok {
				return &Error{Token: name, Err: ErrDuplicateName}
			}
			seen[name] = struct{}{}
			p.Consumers = append(p.Consumers, name)
		}
	} else if found := p.byKind(c.consumerKinds); len(found) == 1 {
		p.Consumers = found
	}
	if p.Producer != "" && p.IsConsumer(p.Producer) {
		return &Error{Token: p.Producer, Err: ErrAmbiguousBoundary}
	}

	if p.Producer != "" {
		p.ProducerCaps = p.capsHint(p.Producer, p.Downstream)
	}
	if c := p.Consumer(); c != "" {
		p.ConsumerCaps = p.capsHint(c, p.Upstream)
	}
	return nil
}

// capsHint returns caps declared on the element itself or on the single
// capsfilter adjacent to it.
func (p *Pipeline) capsHint(name string, adjacent func(string) []string) string {
	e, _ := p.Element(name)
	if v, ok := e.Prop("caps"); ok {
		return v.Raw
	}
	next := adjacent(name)
	if len(next) != 1 {
		return ""
	}
	if a, _ := p.Element(next[0]); a.Factory == "capsfilter" {
		if v, ok := a.Prop("caps"); ok {
			return v.Raw
		}
	}
	return ""
}

func (p *Pipeline) byKind(kinds []string) []string {
	var found []string
	for _, e := range p.Elements {
		for _, k := range kinds {
			if e.Factory == k {
				found = append(found, e.Name)
				break
			}
		}
	}
	return found
}
