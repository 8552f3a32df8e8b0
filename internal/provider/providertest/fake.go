// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/provider"
)

// Fake records launches and answers Describe from a script. Unscripted
// handles report running with the address returned by Address, or a
// deterministic 10.x address when Address is nil.
type Fake struct {
	Caps provider.Capabilities

	// LaunchErr, when set, decides whether a launch fails.
	LaunchErr func(spec fleet.WorkerSpec) error
	// Address assigns the address a running task reports.
	Address func(spec fleet.WorkerSpec) string
	// Script maps a handle to the statuses returned by successive Describe
	// calls. The last entry repeats.
	Script map[string][]provider.Status
	// DescribeErr fails every Describe call.
	DescribeErr error

	mu        sync.Mutex
	launches  []fleet.WorkerSpec
	specs     map[string]fleet.WorkerSpec
	describes map[string]int
	calls     int
}

// New creates a Fake whose tasks are running with a synthetic address.
func New() *Fake {
	return &Fake{Caps: provider.Capabilities{RoutableAddresses: true, IdempotentLaunch: true}}
}

// Handle is the handle Fake assigns to spec.
func Handle(spec fleet.WorkerSpec) string {
	return fmt.Sprintf("task/%s/%s/%d", spec.Region, spec.Role, spec.Index)
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Capabilities() provider.Capabilities { return f.Caps }

func (f *Fake) Launch(_ context.Context, spec fleet.WorkerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	if f.LaunchErr != nil {
		if err := f.LaunchErr(spec); err != nil {
			return "", err
		}
	}
	if f.specs == nil {
		f.specs = map[string]fleet.WorkerSpec{}
	}
	h := Handle(spec)
	f.specs[h] = spec
	return h, nil
}

func (f *Fake) Describe(_ context.Context, _ string, handles []string) ([]provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	if f.describes == nil {
		f.describes = map[string]int{}
	}
	out := make([]provider.Status, 0, len(handles))
	for _, h := range handles {
		n := f.describes[h]
		f.describes[h]++
		if script, ok := f.Script[h]; ok && len(script) > 0 {
			if n >= len(script) {
				n = len(script) - 1
			}
			s := script[n]
			s.Handle = h
			out = append(out, s)
			continue
		}
		spec, ok := f.specs[h]
		if !ok {
			out = append(out, provider.Status{Handle: h, Phase: provider.PhaseStopped, Reason: "unknown task"})
			continue
		}
		addr := fmt.Sprintf("10.0.%d.%d", len(spec.Region)%250, spec.Index+1)
		if f.Address != nil {
			addr = f.Address(spec)
		}
		out = append(out, provider.Status{Handle: h, Phase: provider.PhaseRunning, Address: addr})
	}
	return out, nil
}

// Launches returns every launch attempt in order, failed ones included.
func (f *Fake) Launches() []fleet.WorkerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.WorkerSpec(nil), f.launches...)
}

// DescribeCalls is the number of Describe calls made.
func (f *Fake) DescribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
