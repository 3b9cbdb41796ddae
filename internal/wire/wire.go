// Package wire implements the newline-delimited JSON protocol spoken with
// the agent worker process.
//
// Each request is one JSON line on the worker's stdin carrying a prompt,
// a mode, and a request id. The worker's stdout is a mixture of structured
// event lines and free-form diagnostic text; decoding classifies every line
// and never fails hard - anything unrecognizable is a diagnostic, not a
// protocol event, so it can never be misrouted to a pending request.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is one of the three logical operations the worker supports.
type Mode string

const (
	// ModeClassify asks the worker whether a prompt is chat or a task.
	ModeClassify Mode = "classify"
	// ModePlan asks the worker for an execution plan.
	ModePlan Mode = "plan"
	// ModeExecute runs the full agent task.
	ModeExecute Mode = "execute"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeClassify, ModePlan, ModeExecute:
		return true
	default:
		return false
	}
}

// Request is the envelope written to the worker's stdin.
type Request struct {
	Prompt    string `json:"prompt"`
	Mode      Mode   `json:"mode"`
	RequestID string `json:"requestId"` //nolint:tagliatelle // worker protocol uses camelCase
}

// Encode serializes a request as a single newline-terminated JSON line.
func Encode(r Request) ([]byte, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("encode: request id is required")
	}
	if !r.Mode.Valid() {
		return nil, fmt.Errorf("encode: unknown mode %q", r.Mode)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", r.RequestID, err)
	}
	return append(data, '\n'), nil
}

// EventKind classifies a decoded output line.
type EventKind int

const (
	// EventDiagnostic is unstructured output: log noise, unparseable
	// lines, or structured lines lacking a recognizable discriminator.
	EventDiagnostic EventKind = iota
	// EventReady signals that worker startup is complete.
	EventReady
	// EventProgress is an incremental activity update, optionally
	// correlated to a request.
	EventProgress
	// EventResponse settles the request identified by RequestID with
	// either a result payload or an error string.
	EventResponse
	// EventLegacyResult is a free-text completion marker from the legacy
	// framing. It carries no request id; routing is the session's call.
	EventLegacyResult
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventProgress:
		return "progress"
	case EventResponse:
		return "response"
	case EventLegacyResult:
		return "legacy_result"
	default:
		return "diagnostic"
	}
}

// Event is one decoded line of worker output.
type Event struct {
	Kind      EventKind
	RequestID string          // set for responses and correlated progress
	Result    json.RawMessage // response success payload
	Err       string          // response error string
	Message   string          // progress text, legacy result text, or the diagnostic line
	Timestamp time.Time
	Raw       []byte
}

// envelope mirrors the structured line shapes the worker emits.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"` //nolint:tagliatelle // worker protocol uses camelCase
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
	Message   string          `json:"message"`
}

// DecodeLine classifies one complete output line. It never returns an
// error: a parse failure is non-fatal by contract, so the line comes back
// as a diagnostic event for the caller to log and discard.
func DecodeLine(line []byte) Event {
	ev := Event{
		Kind:      EventDiagnostic,
		Timestamp: time.Now(),
		Raw:       append([]byte(nil), line...),
		Message:   string(line),
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		if legacy, ok := decodeLegacy(string(line)); ok {
			legacy.Timestamp = ev.Timestamp
			legacy.Raw = ev.Raw
			return legacy
		}
		return ev
	}

	switch {
	case env.Type == "ready":
		ev.Kind = EventReady
		ev.Message = ""
	case env.Type == "activity" || env.Type == "progress":
		ev.Kind = EventProgress
		ev.RequestID = env.RequestID
		ev.Message = env.Message
	case env.RequestID != "" && env.Error != nil:
		ev.Kind = EventResponse
		ev.RequestID = env.RequestID
		ev.Err = *env.Error
		ev.Message = ""
	case env.RequestID != "" && len(env.Result) > 0 && string(env.Result) != "null":
		ev.Kind = EventResponse
		ev.RequestID = env.RequestID
		ev.Result = env.Result
		ev.Message = ""
	default:
		// Valid JSON but no recognizable discriminator. Keeping this a
		// diagnostic is what guarantees it can never settle a request.
	}
	return ev
}
