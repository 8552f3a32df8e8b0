package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/tracing"
	"github.com/torosent/crankfleet/internal/webhook"
)

type recordingInvoker struct {
	mu      sync.Mutex
	reqs    []fleet.RunRequest
	traceID string
	resp    invocation.Response
}

func (r *recordingInvoker) Invoke(ctx context.Context, req fleet.RunRequest) invocation.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	r.traceID = tracing.TraceID(ctx)
	return r.resp
}

func (r *recordingInvoker) requests() []fleet.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.RunRequest(nil), r.reqs...)
}

func (r *recordingInvoker) trace() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traceID
}

func serve(inv webhook.Invoker) webhook.InvokerFactory {
	return func(context.Context) (webhook.Invoker, error) { return inv, nil }
}

func okResponse(runID string) invocation.Response {
	res := fleet.NewRunResult(runID)
	res.CoordinatorTask = "task/master"
	return invocation.NewResponse(res, nil)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(webhook.NewService(serve(&recordingInvoker{}), webhook.Options{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateRun(t *testing.T) {
	inv := &recordingInvoker{resp: okResponse("run-7")}
	srv := httptest.NewServer(webhook.NewService(serve(inv), webhook.Options{}).Router())
	defer srv.Close()

	payload := `{"run_id":"run-7","regions":{"us-east-1":2},"load_profile":"jmeter",
		"artifact_location":"s3://uploads/load.zip","extra_config":{"duration":120,"debug":true}}`
	resp, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-7", resp.Header.Get("X-Run-ID"))

	var out invocation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "task/master", out.Body.CoordinatorTask)

	reqs := inv.requests()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, map[string]int{"us-east-1": 2}, got.Regions)
	assert.Equal(t, "s3://uploads/load.zip", got.ArtifactLocation)
	assert.Equal(t, fleet.ExtraConfig{"duration": "120", "debug": "true"}, got.ExtraConfig)
}

func TestCreateRunMirrorsFailureStatus(t *testing.T) {
	res := fleet.NewRunResult("run-8")
	res.AddLaunched(&fleet.WorkerInstance{Handle: "t-1", Region: "us-east-1"})
	inv := &recordingInvoker{resp: invocation.NewResponse(res, fleet.OrchestrationError("no workers became ready"))}
	srv := httptest.NewServer(webhook.NewService(serve(inv), webhook.Options{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"regions":{"us-east-1":1},"artifact_location":"./plans"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var out invocation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Body.Error, "no workers became ready")
	assert.Equal(t, []string{"t-1"}, out.Body.LaunchedWorkers["us-east-1"])
}

func TestCreateRunRejectsMalformedBody(t *testing.T) {
	inv := &recordingInvoker{}
	srv := httptest.NewServer(webhook.NewService(serve(inv), webhook.Options{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(`{"regions":`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var out invocation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Body.Error, "unable to parse request body")
	assert.Empty(t, inv.requests())
}

func TestCreateRunContinuesCallerTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	inv := &recordingInvoker{resp: okResponse("run-9")}
	srv := httptest.NewServer(webhook.NewService(serve(inv), webhook.Options{}).Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/runs",
		strings.NewReader(`{"regions":{"us-east-1":1},"artifact_location":"./plans"}`))
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", inv.trace())
}

func TestUnknownRoute(t *testing.T) {
	srv := httptest.NewServer(webhook.NewService(serve(&recordingInvoker{}), webhook.Options{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateRunBuildsInvokerPerRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		invokers []*recordingInvoker
	)
	factory := func(context.Context) (webhook.Invoker, error) {
		mu.Lock()
		defer mu.Unlock()
		inv := &recordingInvoker{resp: okResponse("run-10")}
		invokers = append(invokers, inv)
		return inv, nil
	}
	srv := httptest.NewServer(webhook.NewService(factory, webhook.Options{}).Router())
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/runs", "application/json",
			strings.NewReader(`{"regions":{"us-east-1":1},"artifact_location":"./plans"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, invokers, 2)
	assert.NotSame(t, invokers[0], invokers[1])
	assert.Len(t, invokers[0].requests(), 1)
	assert.Len(t, invokers[1].requests(), 1)
}

func TestCreateRunSetupFailure(t *testing.T) {
	factory := func(context.Context) (webhook.Invoker, error) {
		return nil, fleet.ConfigurationError("unknown provider %q", "nomad")
	}
	srv := httptest.NewServer(webhook.NewService(factory, webhook.Options{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"run_id":"run-11","regions":{"us-east-1":1},"artifact_location":"./plans"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var out invocation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "run-11", out.Body.RunID)
	assert.Contains(t, out.Body.Error, "unknown provider")
}

type deadlineInvoker struct {
	deadlines chan time.Time
}

func (d *deadlineInvoker) Invoke(ctx context.Context, req fleet.RunRequest) invocation.Response {
	if deadline, ok := ctx.Deadline(); ok {
		d.deadlines <- deadline
	}
	return okResponse(req.RunID)
}

func TestCreateRunAppliesRunTimeout(t *testing.T) {
	inv := &deadlineInvoker{deadlines: make(chan time.Time, 1)}
	srv := httptest.NewServer(webhook.NewService(serve(inv), webhook.Options{Timeout: time.Minute}).Router())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"regions":{"us-east-1":1},"artifact_location":"./plans"}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, inv.deadlines, 1)
	assert.WithinDuration(t, start.Add(time.Minute), <-inv.deadlines, 5*time.Second)
}

type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(_ context.Context, req fleet.RunRequest) invocation.Response {
	close(b.started)
	<-b.release
	return okResponse(req.RunID)
}

func TestCreateRunWaiterGivesUpAtDeadline(t *testing.T) {
	blocker := &blockingInvoker{started: make(chan struct{}), release: make(chan struct{})}
	var calls atomic.Int32
	factory := func(context.Context) (webhook.Invoker, error) {
		if calls.Add(1) == 1 {
			return blocker, nil
		}
		return nil, errors.New("second run must not start")
	}
	srv := httptest.NewServer(webhook.NewService(factory, webhook.Options{Timeout: 100 * time.Millisecond}).Router())
	defer srv.Close()

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/runs", "application/json",
			strings.NewReader(`{"run_id":"run-a","regions":{"us-east-1":1},"artifact_location":"./plans"}`))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	<-blocker.started

	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"run_id":"run-b","regions":{"us-east-1":1},"artifact_location":"./plans"}`))
	require.NoError(t, err)
	var out invocation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "run-b", out.Body.RunID)
	assert.Contains(t, out.Body.Error, "waiting for the active run")
	assert.Equal(t, int32(1), calls.Load())

	close(blocker.release)
	assert.Equal(t, http.StatusOK, <-first)
}
