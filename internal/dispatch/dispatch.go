// Package dispatch exposes the three request modes over warm sessions:
// classify, plan, and execute. It owns per-mode deadlines, request id
// generation, the classify result cache, and result decoding.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hearth/internal/bridge"
	"github.com/zjrosen/hearth/internal/cachemanager"
	"github.com/zjrosen/hearth/internal/correlator"
	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/log"
	"github.com/zjrosen/hearth/internal/session"
	"github.com/zjrosen/hearth/internal/tracing"
	"github.com/zjrosen/hearth/internal/wire"
)

// Options configures the dispatcher's per-mode deadlines and the
// classify cache.
type Options struct {
	ClassifyTimeout  time.Duration
	PlanTimeout      time.Duration
	ExecuteTimeout   time.Duration
	ClassifyCacheTTL time.Duration
	// DisableClassifyCache forces every classify through the worker.
	DisableClassifyCache bool
}

func (o Options) withDefaults() Options {
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = 30 * time.Second
	}
	if o.PlanTimeout <= 0 {
		o.PlanTimeout = 45 * time.Second
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = 10 * time.Minute
	}
	if o.ClassifyCacheTTL <= 0 {
		o.ClassifyCacheTTL = 5 * time.Minute
	}
	return o
}

// ClassifyResult is the worker's intent decision for a prompt.
type ClassifyResult struct {
	// Type is "CHAT" for conversational prompts or "TASK" for prompts
	// that need a full execution.
	Type string `json:"type"`
	// Response is the direct answer when Type is "CHAT".
	Response string `json:"response,omitempty"`
	// Description summarizes the task when Type is "TASK".
	Description string `json:"description,omitempty"`
}

// IsTask reports whether the prompt was classified as needing
// execution.
func (r ClassifyResult) IsTask() bool { return r.Type == "TASK" }

// Plan is the worker's step breakdown for a task.
type Plan struct {
	Steps         []string `json:"plan"`
	EstimatedTime string   `json:"estimated_time"`
}

// ExecuteRequest carries everything an execute call needs beyond the
// session key.
type ExecuteRequest struct {
	Prompt string
	// Files are paths the worker may read, appended to the prompt.
	Files []string
	// Sink receives streamed progress. Nil discards it.
	Sink bridge.Sink
}

// ExecuteResult is the final output of an execute call.
type ExecuteResult struct {
	Result string
	// OutputFiles are artifact paths mentioned in the result text.
	OutputFiles []string
}

type classifyInput struct {
	key    string
	prompt string
}

// Dispatcher routes requests to per-key sessions.
type Dispatcher struct {
	registry *session.Registry
	opts     Options
	tracer   trace.Tracer
	classify *cachemanager.ReadThroughCache[string, ClassifyResult, classifyInput]
}

// New creates a dispatcher on top of registry. tracer may be nil.
func New(registry *session.Registry, opts Options, tracer trace.Tracer) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		registry: registry,
		opts:     opts,
		tracer:   tracer,
	}
	cache := cachemanager.NewInMemoryCacheManager[string, ClassifyResult](
		"classify", opts.ClassifyCacheTTL, cachemanager.DefaultCleanupInterval)
	d.classify = cachemanager.NewReadThroughCache(
		cache, d.classifyUncached, opts.DisableClassifyCache)
	return d
}

// Classify decides whether prompt is a chat message or a task. Results
// are cached per key and normalized prompt, so repeating a question
// skips the worker round trip.
func (d *Dispatcher) Classify(ctx context.Context, key, prompt string) (ClassifyResult, error) {
	cacheKey := key + "\x00" + strings.ToLower(strings.TrimSpace(prompt))
	return d.classify.Get(ctx, cacheKey, classifyInput{key: key, prompt: prompt}, d.opts.ClassifyCacheTTL)
}

func (d *Dispatcher) classifyUncached(ctx context.Context, in classifyInput) (ClassifyResult, error) {
	raw, err := d.roundTrip(ctx, in.key, wire.ModeClassify, in.prompt, d.opts.ClassifyTimeout, nil)
	if err != nil {
		return ClassifyResult{}, err
	}
	return decodeClassify(raw)
}

// Plan asks the worker to break prompt into steps.
func (d *Dispatcher) Plan(ctx context.Context, key, prompt string) (Plan, error) {
	raw, err := d.roundTrip(ctx, key, wire.ModePlan, prompt, d.opts.PlanTimeout, nil)
	if err != nil {
		return Plan{}, err
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Steps) == 0 {
		return Plan{}, &fault.Fault{
			Kind:   fault.KindProtocolParse,
			Op:     string(wire.ModePlan),
			Detail: string(raw),
			Err:    err,
		}
	}
	return p, nil
}

// Execute runs a task to completion, streaming progress to req.Sink.
// The caller giving up on ctx detaches the stream but the task keeps
// running on the worker; its session stays warm with the result
// discarded.
func (d *Dispatcher) Execute(ctx context.Context, key string, req ExecuteRequest) (ExecuteResult, error) {
	prompt := req.Prompt
	if len(req.Files) > 0 {
		prompt = fmt.Sprintf("%s\n\nFiles available: %s", prompt, strings.Join(req.Files, ", "))
	}

	raw, err := d.roundTrip(ctx, key, wire.ModeExecute, prompt, d.opts.ExecuteTimeout, req.Sink)
	if err != nil {
		return ExecuteResult{}, err
	}

	// Execute results are plain text, JSON-encoded as a string by the
	// structured framing. Anything else comes back verbatim.
	var text string
	if jsonErr := json.Unmarshal(raw, &text); jsonErr != nil {
		text = string(raw)
	}

	return ExecuteResult{
		Result:      text,
		OutputFiles: OutputFiles(text),
	}, nil
}

// roundTrip sends one request over the key's session and waits for its
// settlement. ctx cancellation detaches the caller without cancelling
// the request itself.
func (d *Dispatcher) roundTrip(ctx context.Context, key string, mode wire.Mode, prompt string, timeout time.Duration, sink bridge.Sink) (json.RawMessage, error) {
	sess, err := d.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	id := newRequestID()
	spanCtx, span := d.startSpan(ctx, key, id, mode)

	p, err := sess.Send(wire.Request{Prompt: prompt, Mode: mode, RequestID: id}, timeout)
	if err != nil {
		tracing.EndRequest(span, err)
		return nil, err
	}

	settled := make(chan correlator.Settlement, 1)
	go func() {
		settled <- bridge.Forward(spanCtx, key, p, sink)
	}()

	select {
	case s := <-settled:
		tracing.EndRequest(span, s.Err)
		return s.Result, s.Err
	case <-ctx.Done():
		log.Debug(log.CatDispatch, "caller detached before settlement",
			"session", key, "requestID", id, "mode", mode)
		tracing.EndRequest(span, ctx.Err())
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) startSpan(ctx context.Context, key, id string, mode wire.Mode) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	name := tracing.SpanClassify
	switch mode {
	case wire.ModePlan:
		name = tracing.SpanPlan
	case wire.ModeExecute:
		name = tracing.SpanExecute
	}
	return tracing.StartRequest(ctx, d.tracer, name, key, id, string(mode))
}

func decodeClassify(raw json.RawMessage) (ClassifyResult, error) {
	var r ClassifyResult
	if err := json.Unmarshal(raw, &r); err == nil && (r.Type == "CHAT" || r.Type == "TASK") {
		return r, nil
	}

	// Legacy workers answer classify with bare text. Treat it as a
	// direct chat response.
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return ClassifyResult{Type: "CHAT", Response: text}, nil
	}

	return ClassifyResult{}, &fault.Fault{
		Kind:   fault.KindProtocolParse,
		Op:     string(wire.ModeClassify),
		Detail: string(raw),
	}
}

// newRequestID builds a unique id that still sorts roughly by time,
// which makes logs easy to follow.
func newRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
