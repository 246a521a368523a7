// Package stream transcodes the upstream's chunked generateContent stream
// into each client dialect's Server-Sent-Events shape (SPEC_FULL §4.5, §9).
package stream

// State names the transcoder's lifecycle, mirrored directly from
// SPEC_FULL §9's explicit state machine.
type State int

const (
	Init State = iota
	InMessage
	InContentBlockText
	InContentBlockTool
	Finalising
	Done
	Errored
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case InMessage:
		return "InMessage"
	case InContentBlockText:
		return "InContentBlock(text)"
	case InContentBlockTool:
		return "InContentBlock(tool)"
	case Finalising:
		return "Finalising"
	case Done:
		return "Done"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Machine tracks transcoder state across a single client request's stream.
// Dialect-specific writers (openai.go, anthropic.go) advance it as upstream
// chunks arrive.
type Machine struct {
	state State
}

// NewMachine starts a transcoder in the Init state.
func NewMachine() *Machine { return &Machine{state: Init} }

// State reports the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Advance transitions the machine; illegal transitions are programmer
// errors (panics), since every caller is this package's own writers.
func (m *Machine) Advance(next State) {
	if m.state == Done || m.state == Errored {
		panic("stream: advance after terminal state")
	}
	m.state = next
}

// Fail transitions to Errored from any non-terminal state.
func (m *Machine) Fail() { m.state = Errored }
