// Package bridge forwards streamed progress from a pending request to a
// caller-supplied sink while waiting for the request to settle.
//
// The sink is an observer, not a participant: a disconnected or slow
// consumer never cancels or delays the request itself.
package bridge

import (
	"context"
	"time"

	"github.com/zjrosen/hearth/internal/correlator"
	"github.com/zjrosen/hearth/internal/log"
)

// ProgressEvent is one streamed status update for an in-flight request.
type ProgressEvent struct {
	SessionKey string
	RequestID  string
	Message    string
	Timestamp  time.Time
}

// Sink receives progress events. Implementations must be safe to call
// from a single goroutine and should return quickly.
type Sink interface {
	Progress(ev ProgressEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Progress(ev ProgressEvent) { f(ev) }

// Discard ignores all progress.
var Discard Sink = SinkFunc(func(ProgressEvent) {})

// Forward drains p's progress stream into sink until the stream closes,
// then returns the settlement. Cancelling ctx detaches the sink but the
// drain continues, so the worker's response is still consumed and the
// request runs to completion regardless of who is watching.
func Forward(ctx context.Context, sessionKey string, p *correlator.Pending, sink Sink) correlator.Settlement {
	if sink == nil {
		sink = Discard
	}
	attached := true
	for ev := range p.Progress() {
		if attached {
			select {
			case <-ctx.Done():
				log.Debug(log.CatBridge, "progress sink detached",
					"session", sessionKey, "requestID", p.ID())
				attached = false
			default:
				sink.Progress(ProgressEvent{
					SessionKey: sessionKey,
					RequestID:  p.ID(),
					Message:    ev.Message,
					Timestamp:  ev.Timestamp,
				})
			}
		}
	}
	return <-p.Done()
}
