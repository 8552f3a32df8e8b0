// Package launcher issues task launches through a provider, one at a time.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/provider"
)

// tokenNamespace scopes launch tokens to this tool.
var tokenNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/torosent/crankfleet/launch"))

// Token derives the launch token for spec. The same run, region, role and
// index always yield the same token.
func Token(spec fleet.WorkerSpec) string {
	name := fmt.Sprintf("%s/%s/%s/%d", spec.RunID, spec.Region, spec.Role, spec.Index)
	return uuid.NewSHA1(tokenNamespace, []byte(name)).String()
}

// Options configures a Launcher.
type Options struct {
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Launcher starts tasks. It never retries and never rolls back.
type Launcher struct {
	client    provider.Client
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a Launcher over client.
func New(client provider.Client, opts Options) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{client: client, collector: opts.Collector, logger: logger}
}

// Launch issues one provisioning call for spec. Provider failures come back
// as a LaunchError carrying the provider's reason.
func (l *Launcher) Launch(ctx context.Context, spec fleet.WorkerSpec) (*fleet.WorkerInstance, error) {
	if spec.LaunchToken == "" {
		spec.LaunchToken = Token(spec)
	}
	start := time.Now()
	handle, err := l.client.Launch(ctx, spec)
	l.collector.Record(metrics.SeriesLaunch, time.Since(start), err)
	if err != nil {
		l.logger.Error("launch failed",
			"run_id", spec.RunID, "region", spec.Region, "role", spec.Role, "index", spec.Index, "error", err)
		return nil, fleet.LaunchError(spec.Region, err)
	}
	l.logger.Info("launched task",
		"run_id", spec.RunID, "region", spec.Region, "role", spec.Role, "index", spec.Index, "task", handle)
	return &fleet.WorkerInstance{
		Handle: handle,
		Region: spec.Region,
		Role:   spec.Role,
		State:  fleet.StatePending,
	}, nil
}

// LaunchAll launches specs in order and stops at the first failure. The
// instances launched before the failure are returned with the error.
func (l *Launcher) LaunchAll(ctx context.Context, specs []fleet.WorkerSpec) ([]*fleet.WorkerInstance, error) {
	instances := make([]*fleet.WorkerInstance, 0, len(specs))
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return instances, fleet.LaunchError(spec.Region, err)
		}
		inst, err := l.Launch(ctx, spec)
		if err != nil {
			return instances, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
