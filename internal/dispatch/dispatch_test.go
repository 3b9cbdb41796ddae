package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hearth/internal/bridge"
	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/session"
	"github.com/zjrosen/hearth/internal/wire"
	"github.com/zjrosen/hearth/internal/worker/workertest"
)

func newTestRegistry(t *testing.T, w *workertest.Fake) *session.Registry {
	t.Helper()
	r := session.NewRegistry(
		workertest.NewSpawner(w),
		session.Options{StartupTimeout: time.Second, SweepInterval: time.Hour},
	)
	t.Cleanup(r.Close)
	return r
}

func newTestDispatcher(t *testing.T, w *workertest.Fake, opts Options) *Dispatcher {
	t.Helper()
	return New(newTestRegistry(t, w), opts, nil)
}

func TestClassifyChat(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`{"type":"CHAT","response":"hello there"}`),
	})
	d := newTestDispatcher(t, w, Options{})

	r, err := d.Classify(context.Background(), "u1", "hi")
	require.NoError(t, err)
	require.False(t, r.IsTask())
	require.Equal(t, "hello there", r.Response)
}

func TestClassifyTask(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`{"type":"TASK","description":"build a report"}`),
	})
	d := newTestDispatcher(t, w, Options{})

	r, err := d.Classify(context.Background(), "u1", "make me a report")
	require.NoError(t, err)
	require.True(t, r.IsTask())
	require.Equal(t, "build a report", r.Description)
}

func TestClassifyCacheHit(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`{"type":"CHAT","response":"cached"}`),
	})
	d := newTestDispatcher(t, w, Options{})

	_, err := d.Classify(context.Background(), "u1", "Same Question")
	require.NoError(t, err)

	// Same prompt modulo case and whitespace hits the cache.
	_, err = d.Classify(context.Background(), "u1", "  same question ")
	require.NoError(t, err)
	require.EqualValues(t, 1, w.Requests())

	// A different key misses.
	_, err = d.Classify(context.Background(), "u2", "same question")
	require.NoError(t, err)
	require.EqualValues(t, 2, w.Requests())
}

func TestClassifyCacheDisabled(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`{"type":"CHAT","response":"x"}`),
	})
	d := newTestDispatcher(t, w, Options{DisableClassifyCache: true})

	for i := 0; i < 3; i++ {
		_, err := d.Classify(context.Background(), "u1", "same")
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, w.Requests())
}

func TestClassifyLegacyTextResponse(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`"just some text"`),
	})
	d := newTestDispatcher(t, w, Options{})

	r, err := d.Classify(context.Background(), "u1", "hi")
	require.NoError(t, err)
	require.Equal(t, "CHAT", r.Type)
	require.Equal(t, "just some text", r.Response)
}

func TestClassifyGarbageResponse(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeClassify: workertest.RespondJSON(`{"neither":"fish nor fowl"}`),
	})
	d := newTestDispatcher(t, w, Options{})

	_, err := d.Classify(context.Background(), "u1", "hi")
	require.ErrorIs(t, err, fault.ErrProtocolParse)
}

func TestPlan(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModePlan: workertest.RespondJSON(`{"plan":["research","draft","polish"],"estimated_time":"10 minutes"}`),
	})
	d := newTestDispatcher(t, w, Options{})

	p, err := d.Plan(context.Background(), "u1", "write a report")
	require.NoError(t, err)
	require.Equal(t, []string{"research", "draft", "polish"}, p.Steps)
	require.Equal(t, "10 minutes", p.EstimatedTime)
}

func TestPlanMalformed(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModePlan: workertest.RespondJSON(`{"plan":[]}`),
	})
	d := newTestDispatcher(t, w, Options{})

	_, err := d.Plan(context.Background(), "u1", "x")
	require.ErrorIs(t, err, fault.ErrProtocolParse)
}

func TestExecuteWithProgressAndArtifacts(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeExecute: func(req wire.Request) []wire.Event {
			return []wire.Event{
				{Kind: wire.EventProgress, RequestID: req.RequestID, Message: "collecting data"},
				{Kind: wire.EventProgress, RequestID: req.RequestID, Message: "writing report"},
				{Kind: wire.EventResponse, RequestID: req.RequestID,
					Result: json.RawMessage(`"Report saved to output/report.pdf and output/data.csv"`)},
			}
		},
	})
	d := newTestDispatcher(t, w, Options{})

	var mu sync.Mutex
	var progress []string
	res, err := d.Execute(context.Background(), "u1", ExecuteRequest{
		Prompt: "make a report",
		Sink: bridge.SinkFunc(func(ev bridge.ProgressEvent) {
			mu.Lock()
			progress = append(progress, ev.Message)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)
	require.Contains(t, res.Result, "Report saved")
	require.Equal(t, []string{"output/report.pdf", "output/data.csv"}, res.OutputFiles)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"collecting data", "writing report"}, progress)
}

func TestExecuteInjectsFiles(t *testing.T) {
	var mu sync.Mutex
	var gotPrompt string
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeExecute: func(req wire.Request) []wire.Event {
			mu.Lock()
			gotPrompt = req.Prompt
			mu.Unlock()
			return workertest.RespondJSON(`"done"`)(req)
		},
	})
	d := newTestDispatcher(t, w, Options{})

	_, err := d.Execute(context.Background(), "u1", ExecuteRequest{
		Prompt: "summarize these",
		Files:  []string{"a.txt", "b.csv"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, gotPrompt, "summarize these")
	require.Contains(t, gotPrompt, "Files available: a.txt, b.csv")
}

func TestExecuteTimeoutLeavesSessionUsable(t *testing.T) {
	w := workertest.NewScripted(map[wire.Mode]workertest.Responder{
		wire.ModeExecute:  nil, // never answers
		wire.ModeClassify: workertest.RespondJSON(`{"type":"CHAT","response":"still here"}`),
	})
	d := newTestDispatcher(t, w, Options{ExecuteTimeout: 30 * time.Millisecond})

	_, err := d.Execute(context.Background(), "u1", ExecuteRequest{Prompt: "hang"})
	require.ErrorIs(t, err, fault.ErrRequestTimeout)

	// The worker stays warm; the next request works.
	r, err := d.Classify(context.Background(), "u1", "ping")
	require.NoError(t, err)
	require.Equal(t, "still here", r.Response)
}

func TestExecuteCallerDetachKeepsRequestRunning(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan struct{})
	w := workertest.NewReady()
	w.SetScript(map[wire.Mode]workertest.Responder{
		wire.ModeExecute: func(req wire.Request) []wire.Event {
			go func() {
				<-release
				w.Emit(wire.Event{
					Kind: wire.EventResponse, RequestID: req.RequestID,
					Result: json.RawMessage(`"finished anyway"`),
				})
				close(delivered)
			}()
			return nil
		},
	})

	r := newTestRegistry(t, w)
	d := New(r, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Execute(ctx, "u1", ExecuteRequest{Prompt: "long job"})
	require.ErrorIs(t, err, context.Canceled)

	// The request is still pending on the session after the caller left.
	sess, ok := r.Lookup("u1")
	require.True(t, ok)
	require.Equal(t, 1, sess.Outstanding())

	// Let the worker finish; the late response is consumed and the
	// session goes quiet before teardown.
	close(release)
	<-delivered
	require.Eventually(t, func() bool {
		return sess.Outstanding() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerCrashSurfacesFault(t *testing.T) {
	w := workertest.NewReady()
	w.SetScript(map[wire.Mode]workertest.Responder{
		wire.ModeExecute: func(wire.Request) []wire.Event {
			go w.Kill()
			return nil
		},
	})
	d := newTestDispatcher(t, w, Options{})

	_, err := d.Execute(context.Background(), "u1", ExecuteRequest{Prompt: "x"})
	require.ErrorIs(t, err, fault.ErrWorkerTerminated)
	require.Equal(t, "worker unavailable, please retry", fault.UserMessage(err))
}

func TestOutputFiles(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"none", "all done, nothing written", nil},
		{"single", "saved report.pdf for you", []string{"report.pdf"}},
		{"path", "see output/2024/summary.docx", []string{"output/2024/summary.docx"}},
		{"dedupe", "report.pdf then report.pdf again", []string{"report.pdf"}},
		{"order", "first a.csv then b.md then a.csv", []string{"a.csv", "b.md"}},
		{"tarball", "packed into bundle.tar.gz", []string{"bundle.tar.gz"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, OutputFiles(tc.text))
		})
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := newRequestID()
		_, dup := seen[id]
		require.False(t, dup, fmt.Sprintf("duplicate id %s", id))
		seen[id] = struct{}{}
	}
}
