package engine

// MessageType identifies bus message.
type MessageType int

// Bus message types.
const (
	MessageEOS MessageType = iota
	MessageError
	MessageWarning
	MessageStateChanged
	MessageElement
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageStateChanged:
		return "state-changed"
	case MessageElement:
		return "element"
	}
	return "unknown"
}

// Message is a notification posted on the bus by graph or its elements.
type Message struct {
	Type MessageType
	// Source is the name of posting element, graph messages have the
	// graph name.
	Source string
	// Err and Debug are set for error and warning messages.
	Err   error
	Debug string
	// Recoverable is set for errors after which the graph keeps running.
	Recoverable bool
	// Old and New are set for state changed messages.
	Old, New State
	// Name and Fields are set for element messages.
	Name   string
	Fields map[string]string
	// Graph is set if message was posted by graph itself rather than by
	// one of its elements.
	Graph bool
}
