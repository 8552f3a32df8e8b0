// Package readiness waits for worker control ports to accept TCP connections.
package readiness

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/metrics"
)

// DefaultAttemptTimeout bounds a single connection attempt.
const DefaultAttemptTimeout = 2 * time.Second

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Poller.
type Options struct {
	Dialer         Dialer
	AttemptTimeout time.Duration
	Collector      *metrics.Collector
	Logger         *slog.Logger
}

// Poller probes addresses one at a time until each accepts a connection
// or the overall timeout passes.
type Poller struct {
	dialer         Dialer
	attemptTimeout time.Duration
	collector      *metrics.Collector
	logger         *slog.Logger
}

// Result reports what a wait observed. Ready lists addresses in the order
// they became ready; States covers every distinct input address.
type Result struct {
	Ready   []string
	States  map[string]fleet.ReadinessState
	Elapsed time.Duration
	Sweeps  int
}

// Pending returns addresses that never became ready, in input order.
func (r Result) Pending(addresses []string) []string {
	var out []string
	for _, addr := range dedupe(addresses) {
		if s, ok := r.States[addr]; ok && s != fleet.StateReady {
			out = append(out, addr)
		}
	}
	return out
}

// NewPoller creates a Poller that dials with opts.Dialer, or a net.Dialer.
func NewPoller(opts Options) *Poller {
	p := &Poller{
		dialer:         opts.Dialer,
		attemptTimeout: opts.AttemptTimeout,
		collector:      opts.Collector,
		logger:         opts.Logger,
	}
	if p.dialer == nil {
		p.dialer = &net.Dialer{}
	}
	if p.attemptTimeout <= 0 {
		p.attemptTimeout = DefaultAttemptTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AwaitReady sweeps the pending addresses in input order, attempting one
// connection to port on each. After a sweep it returns once every address
// is ready, otherwise it sleeps for interval and stops when timeout has
// elapsed. The first sweep always runs. AwaitReady never fails: addresses
// that never connect end in fleet.StateTimedOut. Cancelling ctx ends the
// wait early with the same outcome.
func (p *Poller) AwaitReady(ctx context.Context, addresses []string, port int, timeout, interval time.Duration) Result {
	candidates := dedupe(addresses)
	res := Result{States: make(map[string]fleet.ReadinessState, len(candidates))}
	for _, addr := range candidates {
		res.States[addr] = fleet.StatePending
	}

	start := time.Now()
	pending := append([]string(nil), candidates...)
	for len(pending) > 0 {
		res.Sweeps++
		var still []string
		for _, addr := range pending {
			if ctx.Err() != nil {
				still = append(still, addr)
				continue
			}
			if p.probe(ctx, addr, port) {
				res.States[addr], _ = res.States[addr].Advance(fleet.StateReady)
				res.Ready = append(res.Ready, addr)
				elapsed := time.Since(start)
				p.collector.Record(metrics.SeriesTimeToReady, elapsed, nil)
				p.logger.Info("worker ready", "address", addr, "port", port, "elapsed", elapsed.Round(time.Millisecond))
				continue
			}
			still = append(still, addr)
		}
		pending = still
		if len(pending) == 0 || time.Since(start) >= timeout || ctx.Err() != nil {
			break
		}

		p.logger.Debug("waiting for workers", "pending", len(pending), "ready", len(res.Ready))
		if !sleep(ctx, interval) || time.Since(start) >= timeout {
			break
		}
	}

	for _, addr := range pending {
		res.States[addr], _ = res.States[addr].Advance(fleet.StateTimedOut)
	}
	if len(pending) > 0 {
		p.logger.Warn("workers not ready before timeout", "pending", pending, "timeout", timeout)
	}
	res.Elapsed = time.Since(start)
	if res.Ready == nil {
		res.Ready = []string{}
	}
	return res
}

func (p *Poller) probe(ctx context.Context, addr string, port int) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	begin := time.Now()
	conn, err := p.dialer.DialContext(attemptCtx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	p.collector.Record(metrics.SeriesProbe, time.Since(begin), err)
	if err != nil {
		p.logger.Debug("probe failed", "address", addr, "port", port, "error", err)
		return false
	}
	_ = conn.Close()
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dedupe drops empty and repeated addresses, keeping first occurrences.
func dedupe(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
