// Package orchestrator runs one distributed load test: it stages the test
// plans, launches workers region by region, waits for their control ports
// and finally launches the coordinator wired to the ready workers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/profile"
	"github.com/torosent/crankfleet/internal/readiness"
	"github.com/torosent/crankfleet/internal/threshold"
	"github.com/torosent/crankfleet/internal/tracing"
)

// Defaults used when Settings leaves a field zero.
const (
	DefaultControlPort  = 1099
	DefaultReadyTimeout = 300 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Stager uploads a run's test plans.
type Stager interface {
	Stage(ctx context.Context, req fleet.RunRequest) (fleet.ArtifactRef, error)
}

// Launcher starts tasks one at a time.
type Launcher interface {
	Launch(ctx context.Context, spec fleet.WorkerSpec) (*fleet.WorkerInstance, error)
	LaunchAll(ctx context.Context, specs []fleet.WorkerSpec) ([]*fleet.WorkerInstance, error)
}

// Resolver waits for launched tasks to report an address.
type Resolver interface {
	Resolve(ctx context.Context, instances []*fleet.WorkerInstance) ([]string, error)
}

// Poller waits for addresses to accept connections.
type Poller interface {
	AwaitReady(ctx context.Context, addresses []string, port int, timeout, interval time.Duration) readiness.Result
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Stager    Stager
	Launcher  Launcher
	Resolver  Resolver
	Poller    Poller
	Profiles  profile.Catalog
	Tracer    trace.Tracer
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Settings are the per-invocation knobs of a run.
type Settings struct {
	ControlPort  int
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// Thresholds decide whether the ready subset is enough to proceed.
	// Empty means threshold.Default.
	Thresholds []threshold.Threshold
	// PropagateTrace hands the run's trace context to the coordinator.
	PropagateTrace bool
}

// Coordinator executes runs. Every step runs sequentially and no step
// retries another's failure.
type Coordinator struct {
	deps     Deps
	settings Settings
}

// New creates a Coordinator. Stager, Launcher, Resolver and Poller are
// required; the rest fall back to built-in defaults.
func New(deps Deps, settings Settings) (*Coordinator, error) {
	if deps.Stager == nil || deps.Launcher == nil || deps.Resolver == nil || deps.Poller == nil {
		return nil, fleet.ConfigurationError("orchestrator requires a stager, launcher, resolver and poller")
	}
	if deps.Profiles == nil {
		deps.Profiles = profile.Builtin()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if settings.ControlPort == 0 {
		settings.ControlPort = DefaultControlPort
	}
	if settings.ReadyTimeout <= 0 {
		settings.ReadyTimeout = DefaultReadyTimeout
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	if len(settings.Thresholds) == 0 {
		def, err := threshold.Parse(threshold.Default)
		if err != nil {
			return nil, err
		}
		settings.Thresholds = []threshold.Threshold{def}
	}
	return &Coordinator{deps: deps, settings: settings}, nil
}

// Run executes req. The result is never nil: on failure it still lists the
// workers launched before the failing step, and nothing is rolled back.
func (c *Coordinator) Run(ctx context.Context, req fleet.RunRequest) (res *fleet.RunResult, err error) {
	res = fleet.NewRunResult(req.RunID)
	log := c.deps.Logger.With("run_id", req.RunID)

	ctx, span := tracing.StartRunSpan(ctx, c.deps.Tracer, req)
	defer func() {
		tracing.EndSpan(span, err,
			tracing.AttrWorkersLaunched.Int(res.LaunchedCount()),
			tracing.AttrWorkersReady.Int(len(res.ReadyAddresses)),
		)
	}()

	regions := req.RegionOrder()
	if len(regions) == 0 {
		return res, fleet.ConfigurationError("run %s requests no workers", req.RunID)
	}
	prof, err := c.deps.Profiles.Lookup(req.LoadProfile)
	if err != nil {
		return res, err
	}

	ref, err := c.stage(ctx, req)
	if err != nil {
		return res, err
	}

	for _, region := range regions {
		specs := prof.WorkerSpecs(req.RunID, region, req.Regions[region], c.settings.ControlPort, ref)
		stepCtx, step := tracing.StartStepSpan(ctx, c.deps.Tracer, "launch", tracing.AttrRegion.String(region))
		instances, launchErr := c.deps.Launcher.LaunchAll(stepCtx, specs)
		res.AddLaunched(instances...)
		tracing.EndSpan(step, launchErr, tracing.AttrWorkersLaunched.Int(len(instances)))
		if launchErr != nil {
			return res, launchErr
		}
		log.Info("launched workers", "region", region, "count", len(instances))
	}

	stepCtx, step := tracing.StartStepSpan(ctx, c.deps.Tracer, "resolve")
	notes, err := c.deps.Resolver.Resolve(stepCtx, res.Instances)
	tracing.EndSpan(step, err)
	for _, n := range notes {
		res.Note(n)
	}
	if err != nil {
		return res, err
	}

	candidates := addresses(res.Instances)
	stepCtx, step = tracing.StartStepSpan(ctx, c.deps.Tracer, "readiness",
		attribute.Int("crankfleet.candidates", len(candidates)))
	wait := c.deps.Poller.AwaitReady(stepCtx, candidates, c.settings.ControlPort, c.settings.ReadyTimeout, c.settings.PollInterval)
	applyStates(res.Instances, wait)
	res.ReadyAddresses = append(res.ReadyAddresses, wait.Ready...)
	err = c.accept(req, wait, candidates, res)
	tracing.EndSpan(step, err, tracing.AttrWorkersReady.Int(len(wait.Ready)))
	if err != nil {
		return res, err
	}
	log.Info("workers ready", "ready", len(wait.Ready), "requested", req.TotalWorkers(), "elapsed", wait.Elapsed.Round(time.Millisecond))

	region := regions[0]
	stepCtx, step = tracing.StartStepSpan(ctx, c.deps.Tracer, "coordinator", tracing.AttrRegion.String(region))
	spec := prof.CoordinatorSpec(req.RunID, region, c.settings.ControlPort, wait.Ready, ref, req.ExtraConfig)
	if c.settings.PropagateTrace {
		tracing.InjectEnv(stepCtx, spec.Env)
	}
	coord, err := c.deps.Launcher.Launch(stepCtx, spec)
	tracing.EndSpan(step, err)
	if err != nil {
		return res, err
	}
	res.CoordinatorTask = coord.Handle
	log.Info("launched coordinator", "region", region, "task", coord.Handle, "workers", len(wait.Ready))
	return res, nil
}

func (c *Coordinator) stage(ctx context.Context, req fleet.RunRequest) (ref fleet.ArtifactRef, err error) {
	ctx, span := tracing.StartStepSpan(ctx, c.deps.Tracer, "stage")
	defer func() { tracing.EndSpan(span, err) }()

	ref, err = c.deps.Stager.Stage(ctx, req)
	if err != nil {
		if fleet.Kind(err) != nil {
			return ref, err
		}
		return ref, fleet.OrchestrationError("staging artifacts: %w", err)
	}
	return ref, nil
}

// accept applies the zero-ready rule and then the configured thresholds.
// A passing partial result is recorded as a note.
func (c *Coordinator) accept(req fleet.RunRequest, wait readiness.Result, candidates []string, res *fleet.RunResult) error {
	requested := req.TotalWorkers()
	if len(wait.Ready) == 0 {
		return fleet.OrchestrationError("no workers became ready (%d requested, %d with an address, waited %s)",
			requested, len(candidates), wait.Elapsed.Round(time.Millisecond))
	}

	results := threshold.NewEvaluator(c.settings.Thresholds).Evaluate(threshold.Observation{
		Requested:   requested,
		Ready:       len(wait.Ready),
		TimeToReady: c.deps.Collector.Summary(metrics.SeriesTimeToReady),
	})
	if failed := threshold.Failed(results); len(failed) > 0 {
		msgs := make([]string, 0, len(failed))
		for _, f := range failed {
			msgs = append(msgs, f.Message)
		}
		return fleet.OrchestrationError("readiness thresholds failed: %s", strings.Join(msgs, "; "))
	}

	if len(wait.Ready) < requested {
		res.Note(fmt.Sprintf("%d of %d workers ready after %s", len(wait.Ready), requested, wait.Elapsed.Round(time.Second)))
		for _, addr := range wait.Pending(candidates) {
			res.Note("worker " + addr + " never accepted connections")
		}
	}
	return nil
}

func addresses(instances []*fleet.WorkerInstance) []string {
	var out []string
	for _, inst := range instances {
		if inst.Role == fleet.RoleWorker && inst.Address != "" {
			out = append(out, inst.Address)
		}
	}
	return out
}

func applyStates(instances []*fleet.WorkerInstance, wait readiness.Result) {
	for _, inst := range instances {
		if s, ok := wait.States[inst.Address]; ok && inst.Address != "" {
			inst.SetState(s)
		}
	}
}
