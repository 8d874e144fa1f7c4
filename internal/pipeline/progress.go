package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andresmejia3/truthlens/internal/types"
)

type EventKind int

const (
	EventLog EventKind = iota
	EventResult
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "LOG"
	case EventResult:
		return "RESULT"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one progress notification. Result is set only for EventResult.
// Window and Windows are set on the log line that closes a window (1-based), for progress UIs;
// they are not part of the wire format.
type Event struct {
	Kind    EventKind
	Text    string
	Result  *types.RunResult
	Window  int
	Windows int
}

func LogEvent(format string, args ...any) Event {
	return Event{Kind: EventLog, Text: fmt.Sprintf(format, args...)}
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Kind != EventLog
}

// Line renders the event in the wire protocol: "LOG:<text>", "RESULT:<json>" or "ERROR:<text>".
// Text is flattened to one line so it cannot break SSE framing.
func (e Event) Line() (string, error) {
	switch e.Kind {
	case EventResult:
		if e.Result == nil {
			return "", fmt.Errorf("result event without result")
		}
		payload, err := json.Marshal(e.Result)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return "RESULT:" + string(payload), nil
	case EventLog, EventError:
		return e.Kind.String() + ":" + flatten(e.Text), nil
	default:
		return "", fmt.Errorf("unknown event kind %v", e.Kind)
	}
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func flatten(s string) string {
	return lineBreaks.Replace(s)
}

// Emitter receives events in order. A non-nil error aborts the run.
type Emitter func(Event) error

// Stream is a run started in the background. Events is unbuffered and closed after the
// terminal event; consumers either drain it or cancel the run context.
type Stream struct {
	events chan Event
	done   chan struct{}
	result *types.RunResult
	err    error
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Wait blocks until the run has finished and its resource is released.
func (s *Stream) Wait() (*types.RunResult, error) {
	<-s.done
	return s.result, s.err
}
