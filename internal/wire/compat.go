package wire

import "strings"

// Legacy framing markers.
//
// Older worker wrappers signal lifecycle with emoji-prefixed free text on
// stdout instead of structured JSON. The structured protocol is primary;
// these markers are a compatibility shim so a legacy runtime still reaches
// Ready and still settles requests. Free-text results carry no request id,
// so the session only honors them when exactly one request is outstanding.
var legacyReadyMarkers = []string{
	"✅ Ready!",
	"Agent ready",
}

const (
	legacyResultPrefix  = "🤖 "
	legacyTaskPrefix    = "🚀 "
	legacyThoughtPrefix = "✨ "
)

// IsLegacyReadyMarker reports whether a free-text line (stdout or stderr)
// signals startup completion in the legacy framing.
func IsLegacyReadyMarker(line string) bool {
	for _, m := range legacyReadyMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// decodeLegacy maps a non-JSON line onto the legacy marker vocabulary.
func decodeLegacy(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)

	if IsLegacyReadyMarker(trimmed) {
		return Event{Kind: EventReady}, true
	}

	if rest, ok := strings.CutPrefix(trimmed, legacyResultPrefix); ok {
		return Event{Kind: EventLegacyResult, Message: stripSpeakerLabel(rest)}, true
	}

	if rest, ok := strings.CutPrefix(trimmed, legacyTaskPrefix); ok {
		return Event{Kind: EventProgress, Message: rest}, true
	}
	if rest, ok := strings.CutPrefix(trimmed, legacyThoughtPrefix); ok {
		return Event{Kind: EventProgress, Message: rest}, true
	}

	return Event{}, false
}

// stripSpeakerLabel drops a leading "Name: " label from a legacy result
// line ("🤖 Agent: done" -> "done"). Labels are short; anything with a
// colon further in is treated as part of the answer.
func stripSpeakerLabel(s string) string {
	idx := strings.Index(s, ": ")
	if idx > 0 && idx <= 20 {
		return s[idx+2:]
	}
	return s
}
