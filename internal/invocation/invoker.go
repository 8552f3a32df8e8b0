package invocation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankfleet/internal/artifact"
	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/launcher"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/orchestrator"
	"github.com/torosent/crankfleet/internal/profile"
	"github.com/torosent/crankfleet/internal/provider"
	"github.com/torosent/crankfleet/internal/readiness"
	"github.com/torosent/crankfleet/internal/resolver"
	"github.com/torosent/crankfleet/internal/threshold"
)

// Settings are the run knobs an entry point resolved from flags, a config
// file or the environment.
type Settings struct {
	ControlPort    int
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	ResolveTimeout time.Duration
	MinReady       []string
	Profiles       []config.ProfileConfig
	PropagateTrace bool
}

// SettingsFromEnvironment uses the deployment defaults only.
func SettingsFromEnvironment(env config.Environment) Settings {
	return Settings{
		ControlPort:  env.ControlPort,
		ReadyTimeout: env.ReadyTimeout,
		PollInterval: env.PollInterval,
		ProbeTimeout: config.DefaultProbeTimeout,
	}
}

// SettingsFromConfig takes the run settings of a loaded config. Call
// cfg.ApplyEnvironment first so unset values carry deployment defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ControlPort:    cfg.ControlPort,
		ReadyTimeout:   cfg.ReadyTimeout,
		PollInterval:   cfg.PollInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
		ResolveTimeout: cfg.ResolveTimeout,
		MinReady:       cfg.MinReady,
		Profiles:       cfg.Profiles,
		PropagateTrace: cfg.Tracing.ShouldPropagate(),
	}
}

// Options carries optional collaborators. Nil fields are built from the
// environment.
type Options struct {
	Client    provider.Client
	Pipeline  *artifact.Pipeline
	Dialer    readiness.Dialer
	Tracer    trace.Tracer
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Invoker holds the clients of one invocation and runs requests with them.
type Invoker struct {
	env        config.Environment
	settings   Settings
	client     provider.Client
	pipeline   *artifact.Pipeline
	profiles   profile.Catalog
	thresholds []threshold.Threshold
	opts       Options
	logger     *slog.Logger
	collector  *metrics.Collector
}

// New builds the provider client and artifact pipeline selected by env.
// Invalid settings are reported as configuration errors before any client
// is created.
func New(ctx context.Context, env config.Environment, settings Settings, opts Options) (*Invoker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profiles, err := profile.ForEnvironment(env).With(settings.Profiles)
	if err != nil {
		return nil, err
	}
	thresholds, err := threshold.ParseMultiple(settings.MinReady)
	if err != nil {
		return nil, fleet.ConfigurationError("min_ready: %v", err)
	}
	if err := env.Validate(nil); err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		if client, err = provider.New(ctx, env); err != nil {
			return nil, err
		}
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		if pipeline, err = artifact.NewFromEnvironment(ctx, env, logger); err != nil {
			return nil, err
		}
	}
	logger.Debug("invocation ready", "provider", client.Name(), "store", pipeline.Store().Kind())

	return &Invoker{
		env:        env,
		settings:   settings,
		client:     client,
		pipeline:   pipeline,
		profiles:   profiles,
		thresholds: thresholds,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Run checks that every requested region has a placement and executes req.
func (i *Invoker) Run(ctx context.Context, req fleet.RunRequest) (*fleet.RunResult, error) {
	if err := i.env.Validate(req.RegionOrder()); err != nil {
		return fleet.NewRunResult(req.RunID), err
	}
	collector := i.opts.Collector
	if collector == nil {
		collector = metrics.NewCollector()
	}
	i.collector = collector
	coord, err := orchestrator.New(orchestrator.Deps{
		Stager:   i.pipeline,
		Launcher: launcher.New(i.client, launcher.Options{Collector: collector, Logger: i.logger}),
		Resolver: resolver.New(i.client, resolver.Options{
			Interval:  i.settings.PollInterval,
			Timeout:   i.settings.ResolveTimeout,
			Collector: collector,
			Logger:    i.logger,
		}),
		Poller: readiness.NewPoller(readiness.Options{
			Dialer:         i.opts.Dialer,
			AttemptTimeout: i.settings.ProbeTimeout,
			Collector:      collector,
			Logger:         i.logger,
		}),
		Profiles:  i.profiles,
		Tracer:    i.opts.Tracer,
		Collector: collector,
		Logger:    i.logger,
	}, orchestrator.Settings{
		ControlPort:    i.settings.ControlPort,
		ReadyTimeout:   i.settings.ReadyTimeout,
		PollInterval:   i.settings.PollInterval,
		Thresholds:     i.thresholds,
		PropagateTrace: i.settings.PropagateTrace,
	})
	if err != nil {
		return fleet.NewRunResult(req.RunID), err
	}
	return coord.Run(ctx, req)
}

// Invoke runs in and renders the outcome.
func (i *Invoker) Invoke(ctx context.Context, in fleet.RunRequest) Response {
	return Handle(ctx, i, in, i.logger)
}

// Collector returns the metrics of the latest run. Unless Options carried
// a collector, each run records into a fresh one so readiness thresholds
// never see samples of an earlier run.
func (i *Invoker) Collector() *metrics.Collector {
	if i.collector == nil {
		i.collector = i.opts.Collector
		if i.collector == nil {
			i.collector = metrics.NewCollector()
		}
	}
	return i.collector
}

// RequestFromObject builds a request for a package uploaded to the
// artifact bucket. The package manifest decides the worker counts and the
// coordinator settings, so it must be present.
func (i *Invoker) RequestFromObject(ctx context.Context, bucket, key string) (fleet.RunRequest, error) {
	location := "s3://" + bucket + "/" + key
	pkg, err := i.pipeline.Fetcher().Fetch(ctx, location)
	if err != nil {
		return fleet.RunRequest{}, fleet.ConfigurationError("fetching %s: %v", location, err)
	}
	m := pkg.Manifest
	if !m.Found {
		return fleet.RunRequest{}, fleet.ConfigurationError("%s has no %s", location, artifact.ManifestFile)
	}
	return fleet.RunRequest{
		Regions:          m.RegionCounts(i.env.DefaultRegion),
		LoadProfile:      m.LoadProfile,
		ArtifactLocation: location,
		EntryPlanFile:    m.EntryPlan,
		ExtraConfig:      fleet.ExtraConfig(m.CoordinatorSettings()),
	}, nil
}
