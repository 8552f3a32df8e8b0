package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/launcher"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/orchestrator"
	"github.com/torosent/crankfleet/internal/provider"
	"github.com/torosent/crankfleet/internal/provider/providertest"
	"github.com/torosent/crankfleet/internal/readiness"
	"github.com/torosent/crankfleet/internal/resolver"
	"github.com/torosent/crankfleet/internal/threshold"
)

type stubStager struct {
	ref   fleet.ArtifactRef
	err   error
	calls int
}

func (s *stubStager) Stage(_ context.Context, req fleet.RunRequest) (fleet.ArtifactRef, error) {
	s.calls++
	if s.err != nil {
		return fleet.ArtifactRef{}, s.err
	}
	return s.ref, nil
}

// stubPoller reports the addresses chosen by ready as ready and every other
// address as timed out.
type stubPoller struct {
	ready func(addrs []string) []string
	calls [][]string
	port  int
}

func (p *stubPoller) AwaitReady(_ context.Context, addrs []string, port int, _, _ time.Duration) readiness.Result {
	p.calls = append(p.calls, append([]string(nil), addrs...))
	p.port = port
	ready := addrs
	if p.ready != nil {
		ready = p.ready(addrs)
	}
	states := make(map[string]fleet.ReadinessState, len(addrs))
	for _, a := range addrs {
		states[a] = fleet.StateTimedOut
	}
	for _, a := range ready {
		states[a] = fleet.StateReady
	}
	return readiness.Result{Ready: append([]string{}, ready...), States: states, Elapsed: time.Second, Sweeps: 1}
}

type harness struct {
	fake     *providertest.Fake
	stager   *stubStager
	poller   orchestrator.Poller
	stub     *stubPoller
	tracer   trace.Tracer
	settings orchestrator.Settings
}

func newHarness() *harness {
	f := providertest.New()
	f.Address = func(spec fleet.WorkerSpec) string {
		return fmt.Sprintf("%s-%d.internal", spec.Region, spec.Index)
	}
	stub := &stubPoller{}
	return &harness{
		fake: f,
		stager: &stubStager{ref: fleet.ArtifactRef{
			Kind:      "s3",
			Prefix:    "s3://test-surge-perf/test/run-1/",
			EntryPlan: "s3://test-surge-perf/test/run-1/test.jmx",
			Results:   "s3://test-surge-perf/test/run-1/results/result.jtl",
		}},
		poller:   stub,
		stub:     stub,
		settings: orchestrator.Settings{ControlPort: 1099, ReadyTimeout: time.Second, PollInterval: 10 * time.Millisecond},
	}
}

func (h *harness) run(t *testing.T, regions map[string]int) (*fleet.RunResult, error) {
	t.Helper()
	req, err := fleet.NewRunRequest(fleet.RunRequest{
		RunID:            "run-1",
		Regions:          regions,
		LoadProfile:      "jmeter",
		ArtifactLocation: "./plans",
		ExtraConfig:      fleet.ExtraConfig{"duration": "120"},
	})
	require.NoError(t, err)

	collector := metrics.NewCollector()
	c, err := orchestrator.New(orchestrator.Deps{
		Stager:    h.stager,
		Launcher:  launcher.New(h.fake, launcher.Options{Collector: collector}),
		Resolver:  resolver.New(h.fake, resolver.Options{Interval: time.Millisecond, Collector: collector}),
		Poller:    h.poller,
		Tracer:    h.tracer,
		Collector: collector,
	}, h.settings)
	require.NoError(t, err)
	return c.Run(context.Background(), req)
}

func coordinatorLaunch(t *testing.T, f *providertest.Fake) fleet.WorkerSpec {
	t.Helper()
	launches := f.Launches()
	require.NotEmpty(t, launches)
	last := launches[len(launches)-1]
	require.Equal(t, fleet.RoleCoordinator, last.Role)
	return last
}

func TestRunAllWorkersReady(t *testing.T) {
	h := newHarness()

	res, err := h.run(t, map[string]int{"us-east-1": 2, "eu-west-1": 1})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, map[string][]string{
		"eu-west-1": {"task/eu-west-1/worker/0"},
		"us-east-1": {"task/us-east-1/worker/0", "task/us-east-1/worker/1"},
	}, res.Launched)
	assert.Equal(t, []string{"eu-west-1-0.internal", "us-east-1-0.internal", "us-east-1-1.internal"}, res.ReadyAddresses)
	assert.Equal(t, "task/eu-west-1/coordinator/0", res.CoordinatorTask)
	assert.Empty(t, res.Notes)
	assert.Equal(t, 1099, h.stub.port)

	coord := coordinatorLaunch(t, h.fake)
	assert.Equal(t, "eu-west-1", coord.Region)
	assert.Equal(t, "jmeter_master", coord.Definition)
	assert.Equal(t, "eu-west-1-0.internal:1099,us-east-1-0.internal:1099,us-east-1-1.internal:1099", coord.Env["JMETER_SLAVE_HOSTS"])
	assert.Equal(t, "s3://test-surge-perf/test/run-1/test.jmx", coord.Env["TEST_PLAN_S3"])
	assert.Equal(t, "120", coord.Env["DURATION"])
	assert.Equal(t, "master", coord.Env["JMETER_MODE"])
	assert.NotContains(t, coord.Env, "TRACEPARENT")

	for _, inst := range res.Instances {
		assert.Equal(t, fleet.StateReady, inst.State, inst.Handle)
	}
}

func TestRunNoWorkersReady(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	h := newHarness()
	h.fake.Address = func(spec fleet.WorkerSpec) string { return "127.0.0." + strconv.Itoa(spec.Index+1) }
	h.poller = readiness.NewPoller(readiness.Options{AttemptTimeout: 100 * time.Millisecond})
	h.settings = orchestrator.Settings{ControlPort: port, ReadyTimeout: 200 * time.Millisecond, PollInterval: 50 * time.Millisecond}

	start := time.Now()
	res, err := h.run(t, map[string]int{"us-east-1": 2})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrOrchestration))
	assert.Contains(t, err.Error(), "no workers became ready")
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

	assert.Len(t, res.Launched["us-east-1"], 2)
	assert.Empty(t, res.ReadyAddresses)
	assert.Empty(t, res.CoordinatorTask)
	for _, spec := range h.fake.Launches() {
		assert.Equal(t, fleet.RoleWorker, spec.Role, "no coordinator may be launched")
	}
	for _, inst := range res.Instances {
		assert.Equal(t, fleet.StateTimedOut, inst.State)
	}
}

func TestRunStopsAtFirstLaunchFailure(t *testing.T) {
	h := newHarness()
	h.fake.LaunchErr = func(spec fleet.WorkerSpec) error {
		if spec.Region == "us-east-1" && spec.Index == 1 {
			return errors.New("RESOURCE:ENI")
		}
		return nil
	}

	res, err := h.run(t, map[string]int{"us-east-1": 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrLaunch))
	assert.Contains(t, err.Error(), "RESOURCE:ENI")

	assert.Equal(t, []string{"task/us-east-1/worker/0"}, res.Launched["us-east-1"])
	assert.Len(t, h.fake.Launches(), 2, "third worker must never be launched")
	assert.Zero(t, h.fake.DescribeCalls())
	assert.Empty(t, h.stub.calls)
}

func TestRunLaterRegionLaunchFailureKeepsEarlierRegions(t *testing.T) {
	h := newHarness()
	h.fake.LaunchErr = func(spec fleet.WorkerSpec) error {
		if spec.Region == "us-east-1" {
			return errors.New("AccessDenied")
		}
		return nil
	}

	res, err := h.run(t, map[string]int{"us-east-1": 1, "eu-west-1": 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrLaunch))
	assert.Len(t, res.Launched["eu-west-1"], 2)
	assert.NotContains(t, res.Launched, "us-east-1")
}

func TestRunPartialReadinessSucceedsWithNotes(t *testing.T) {
	h := newHarness()
	h.stub.ready = func(addrs []string) []string { return addrs[:1] }

	res, err := h.run(t, map[string]int{"us-east-1": 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"us-east-1-0.internal"}, res.ReadyAddresses)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[0], "1 of 3 workers ready")
	assert.Contains(t, res.Notes, "worker us-east-1-2.internal never accepted connections")

	coord := coordinatorLaunch(t, h.fake)
	assert.Equal(t, "us-east-1-0.internal:1099", coord.Env["JMETER_SLAVE_HOSTS"])
}

func TestRunThresholdRejectsPartialReadiness(t *testing.T) {
	h := newHarness()
	h.stub.ready = func(addrs []string) []string { return addrs[:1] }
	th, err := threshold.Parse("ready:ratio >= 0.5")
	require.NoError(t, err)
	h.settings.Thresholds = []threshold.Threshold{th}

	res, err := h.run(t, map[string]int{"us-east-1": 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrOrchestration))
	assert.Contains(t, err.Error(), "readiness thresholds failed")
	assert.Contains(t, err.Error(), "ready:ratio >= 0.5")
	assert.Equal(t, []string{"us-east-1-0.internal"}, res.ReadyAddresses)
	assert.Empty(t, res.CoordinatorTask)
}

func TestRunDegradedAddressesSkipReadiness(t *testing.T) {
	h := newHarness()
	h.fake.Caps = provider.Capabilities{RoutableAddresses: false}
	h.fake.Address = func(spec fleet.WorkerSpec) string {
		if spec.Index == 0 {
			return ""
		}
		return "10.1.0." + strconv.Itoa(spec.Index)
	}

	res, err := h.run(t, map[string]int{"eastus": 2})
	require.NoError(t, err)

	require.Len(t, h.stub.calls, 1)
	assert.Equal(t, []string{"10.1.0.1"}, h.stub.calls[0])
	assert.Equal(t, []string{"10.1.0.1"}, res.ReadyAddresses)
	assert.Contains(t, res.Notes[0], "without a routable address")
}

func TestRunResolutionFailureAborts(t *testing.T) {
	h := newHarness()
	h.fake.Script = map[string][]provider.Status{
		"task/us-east-1/worker/1": {{Phase: provider.PhaseStopped, Reason: "CannotPullContainerError"}},
	}

	res, err := h.run(t, map[string]int{"us-east-1": 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrResolution))
	assert.Contains(t, err.Error(), "CannotPullContainerError")
	assert.Len(t, res.Launched["us-east-1"], 2)
	assert.Empty(t, h.stub.calls)
}

func TestRunStagingFailure(t *testing.T) {
	h := newHarness()
	h.stager.err = errors.New("bucket unreachable")

	_, err := h.run(t, map[string]int{"us-east-1": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrOrchestration))
	assert.Contains(t, err.Error(), "bucket unreachable")
	assert.Empty(t, h.fake.Launches())
}

func TestRunUnknownProfile(t *testing.T) {
	h := newHarness()
	req, err := fleet.NewRunRequest(fleet.RunRequest{
		RunID:            "run-1",
		Regions:          map[string]int{"us-east-1": 1},
		LoadProfile:      "locust",
		ArtifactLocation: "./plans",
	})
	require.NoError(t, err)
	c, err := orchestrator.New(orchestrator.Deps{
		Stager:   h.stager,
		Launcher: launcher.New(h.fake, launcher.Options{}),
		Resolver: resolver.New(h.fake, resolver.Options{Interval: time.Millisecond}),
		Poller:   h.poller,
	}, h.settings)
	require.NoError(t, err)

	res, err := c.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrConfiguration))
	assert.Zero(t, h.stager.calls)
	assert.NotNil(t, res)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Deps{}, orchestrator.Settings{})
	assert.True(t, errors.Is(err, fleet.ErrConfiguration))
}

func TestRunWithRealPoller(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	h := newHarness()
	h.fake.Address = func(fleet.WorkerSpec) string { return "127.0.0.1" }
	h.poller = readiness.NewPoller(readiness.Options{})
	h.settings.ControlPort = ln.Addr().(*net.TCPAddr).Port

	res, err := h.run(t, map[string]int{"us-east-1": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, res.ReadyAddresses)
	assert.Equal(t, "task/us-east-1/coordinator/0", res.CoordinatorTask)
}

func TestRunSpansAndTracePropagation(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTextMapPropagator(propagation.TraceContext{})

	h := newHarness()
	h.tracer = tp.Tracer("test")
	h.settings.PropagateTrace = true

	_, err := h.run(t, map[string]int{"us-east-1": 1, "eu-west-1": 1})
	require.NoError(t, err)

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"stage", "launch", "launch", "resolve", "readiness", "coordinator", "run"}, names)

	coord := coordinatorLaunch(t, h.fake)
	assert.Len(t, coord.Env["TRACEPARENT"], 55)
}

func TestRunLaunchOrderIsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		regions := rapid.MapOfN(
			rapid.StringMatching(`[a-z]{2}-[a-z]{4}-[1-9]`),
			rapid.IntRange(0, 3),
			1, 4,
		).Draw(rt, "regions")
		total := 0
		for _, n := range regions {
			total += n
		}
		if total == 0 {
			rt.Skip("no workers requested")
		}

		h := newHarness()
		req, err := fleet.NewRunRequest(fleet.RunRequest{RunID: "run-1", Regions: regions, ArtifactLocation: "./plans"})
		if err != nil {
			rt.Fatalf("NewRunRequest: %v", err)
		}
		c, err := orchestrator.New(orchestrator.Deps{
			Stager:   h.stager,
			Launcher: launcher.New(h.fake, launcher.Options{}),
			Resolver: resolver.New(h.fake, resolver.Options{Interval: time.Microsecond}),
			Poller:   h.poller,
		}, h.settings)
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		if _, err := c.Run(context.Background(), req); err != nil {
			rt.Fatalf("Run: %v", err)
		}

		order := req.RegionOrder()
		var want []string
		for _, region := range order {
			for i := 0; i < regions[region]; i++ {
				want = append(want, fmt.Sprintf("task/%s/worker/%d", region, i))
			}
		}
		want = append(want, fmt.Sprintf("task/%s/coordinator/0", order[0]))

		var got []string
		for _, spec := range h.fake.Launches() {
			got = append(got, providertest.Handle(spec))
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			rt.Fatalf("launch order = %v, want %v", got, want)
		}
	})
}
