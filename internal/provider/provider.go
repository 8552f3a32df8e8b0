// Package provider starts single container tasks on a cloud backend and
// reports their lifecycle and network attachment.
package provider

import (
	"context"
	"fmt"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// Phase is the coarse lifecycle of a launched task.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is a task's state as last reported by the backend.
type Status struct {
	Handle  string
	Phase   Phase
	Address string
	Reason  string
}

// Capabilities describes backend behavior callers may depend on.
type Capabilities struct {
	// RoutableAddresses is false when a running task may report no
	// address, e.g. container groups placed without a private network.
	RoutableAddresses bool
	// IdempotentLaunch is true when repeating a launch with the same token
	// or name does not start a second task.
	IdempotentLaunch bool
}

// Client is a container backend.
type Client interface {
	Name() string
	Capabilities() Capabilities
	// Launch starts one task and returns its handle.
	Launch(ctx context.Context, spec fleet.WorkerSpec) (string, error)
	// Describe reports the status of handles launched in region. Every
	// requested handle appears in the result.
	Describe(ctx context.Context, region string, handles []string) ([]Status, error)
}

// New builds the client selected by env.Provider.
func New(ctx context.Context, env config.Environment) (Client, error) {
	var (
		client Client
		err    error
	)
	switch env.Provider {
	case config.ProviderECS:
		client, err = NewECSFromEnvironment(ctx, env)
	case config.ProviderACI:
		client, err = NewACIFromEnvironment(env)
	case config.ProviderKubernetes:
		client, err = NewKubernetesFromEnvironment(env)
	default:
		return nil, fleet.ConfigurationError("unknown provider %q", env.Provider)
	}
	if err != nil {
		return nil, fleet.ConfigurationError("%s provider: %v", env.Provider, err)
	}
	return client, nil
}

// containerImage is the image container backends pull for spec. Profiles
// without an image use their definition as the image reference.
func containerImage(spec fleet.WorkerSpec) string {
	if spec.Image != "" {
		return spec.Image
	}
	return spec.Definition
}
