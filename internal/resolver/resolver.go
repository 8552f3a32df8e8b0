// Package resolver waits for launched tasks to report a network address.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/provider"
)

// DefaultInterval paces Describe calls when no interval is configured.
const DefaultInterval = 5 * time.Second

// Options configures a Resolver.
type Options struct {
	// Interval is the minimum spacing between Describe calls for a region.
	Interval time.Duration
	// Timeout bounds the whole wait. Zero waits until the context ends.
	Timeout   time.Duration
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Resolver polls a provider until every instance is running with an
// address, one region at a time.
type Resolver struct {
	client    provider.Client
	interval  time.Duration
	timeout   time.Duration
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a Resolver over client.
func New(client provider.Client, opts Options) *Resolver {
	r := &Resolver{
		client:    client,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		collector: opts.Collector,
		logger:    opts.Logger,
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

var errTimedOut = errors.New("timed out waiting for task addresses")

// Resolve sets the address on every instance. Instances running without an
// address on a backend that cannot always route are resolved with an empty
// address and described in the returned notes. A task that stops before it
// runs fails the whole batch.
func (r *Resolver) Resolve(ctx context.Context, instances []*fleet.WorkerInstance) ([]string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		regions  []string
		byRegion = map[string][]*fleet.WorkerInstance{}
	)
	for _, inst := range instances {
		if inst == nil || inst.Resolved {
			continue
		}
		if _, seen := byRegion[inst.Region]; !seen {
			regions = append(regions, inst.Region)
		}
		byRegion[inst.Region] = append(byRegion[inst.Region], inst)
	}

	var notes []string
	for _, region := range regions {
		regionNotes, err := r.resolveRegion(ctx, region, byRegion[region])
		notes = append(notes, regionNotes...)
		if err != nil {
			return notes, err
		}
	}
	return notes, nil
}

func (r *Resolver) resolveRegion(ctx context.Context, region string, pending []*fleet.WorkerInstance) ([]string, error) {
	limiter := rate.NewLimiter(rate.Every(r.interval), 1)
	routable := r.client.Capabilities().RoutableAddresses
	var notes []string

	for len(pending) > 0 {
		if err := limiter.Wait(ctx); err != nil {
			return notes, fleet.ResolutionError(region, waitError(ctx, len(pending)))
		}

		handles := make([]string, len(pending))
		for i, inst := range pending {
			handles[i] = inst.Handle
		}
		start := time.Now()
		statuses, err := r.client.Describe(ctx, region, handles)
		r.collector.Record(metrics.SeriesDescribe, time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return notes, fleet.ResolutionError(region, waitError(ctx, len(pending)))
			}
			return notes, fleet.ResolutionError(region, err)
		}

		byHandle := make(map[string]provider.Status, len(statuses))
		for _, s := range statuses {
			byHandle[s.Handle] = s
		}

		still := pending[:0]
		for _, inst := range pending {
			s, ok := byHandle[inst.Handle]
			if !ok {
				still = append(still, inst)
				continue
			}
			switch s.Phase {
			case provider.PhaseStopped:
				return notes, fleet.ResolutionError(region, fmt.Errorf("task %s stopped before running: %s", inst.Handle, s.Reason))
			case provider.PhaseRunning:
				if s.Address != "" {
					inst.Resolve(s.Address)
					r.logger.Debug("resolved task address", "region", region, "task", inst.Handle, "address", s.Address)
					continue
				}
				if !routable {
					inst.Resolve("")
					note := fmt.Sprintf("task %s in %s is running without a routable address; skipped for readiness", inst.Handle, region)
					notes = append(notes, note)
					r.logger.Warn("task has no routable address", "region", region, "task", inst.Handle)
					continue
				}
			}
			still = append(still, inst)
		}
		pending = still
	}
	return notes, nil
}

func waitError(ctx context.Context, pending int) error {
	err := ctx.Err()
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		err = errTimedOut
	}
	return fmt.Errorf("%d task(s) unresolved: %w", pending, err)
}
