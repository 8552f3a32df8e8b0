package fleet

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Role distinguishes load-generating workers from the coordinator.
type Role string

const (
	RoleWorker      Role = "worker"
	RoleCoordinator Role = "coordinator"
)

// ReadinessState tracks a worker's control-port reachability. The only
// transitions are Pending->Ready and Pending->TimedOut.
type ReadinessState int

const (
	StatePending ReadinessState = iota
	StateReady
	StateTimedOut
)

func (s ReadinessState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s ReadinessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are possible.
func (s ReadinessState) Terminal() bool {
	return s == StateReady || s == StateTimedOut
}

// Advance returns next when the transition is allowed. Otherwise it returns
// the receiver unchanged and false.
func (s ReadinessState) Advance(next ReadinessState) (ReadinessState, bool) {
	if s == StatePending && next.Terminal() {
		return next, true
	}
	return s, false
}

// ArtifactRef points at the staged test material for a run.
type ArtifactRef struct {
	// Kind is the store that holds the material: s3, azblob or local.
	Kind string
	// Prefix is where the run's plan files live inside the store.
	Prefix string
	// EntryPlan is the canonical location of the plan the coordinator executes.
	EntryPlan string
	// SignedEntryPlan is a time-limited read URL for EntryPlan, when the
	// store can sign one.
	SignedEntryPlan string
	// Results is where the coordinator writes its results.
	Results string
}

// WorkerSpec is everything a provider needs to start one task.
type WorkerSpec struct {
	RunID       string
	Role        Role
	Index       int
	Region      string
	Name        string
	Definition  string
	Image       string
	Container   string
	CPU         float64
	MemoryMiB   int
	ControlPort int
	Ports       []int
	Env         map[string]string
	LaunchToken string
}

// EnvKeys returns the environment keys in sorted order.
func (s WorkerSpec) EnvKeys() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WorkerInstance is a launched task.
type WorkerInstance struct {
	Handle   string         `json:"handle"`
	Region   string         `json:"region"`
	Role     Role           `json:"role"`
	Address  string         `json:"address,omitempty"`
	Resolved bool           `json:"resolved"`
	State    ReadinessState `json:"state"`
}

// Resolve records the network address reported by the provider. An empty
// address marks the instance resolved without a routable address.
func (w *WorkerInstance) Resolve(address string) {
	w.Address = address
	w.Resolved = true
}

// SetState applies a readiness transition, ignoring disallowed ones.
func (w *WorkerInstance) SetState(next ReadinessState) bool {
	var ok bool
	w.State, ok = w.State.Advance(next)
	return ok
}

var nameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

const maxNameLength = 63

// ResourceName builds a DNS-label-safe task name from its parts.
func ResourceName(prefix, runID string, index int) string {
	raw := strings.ToLower(fmt.Sprintf("%s-%s-%d", prefix, runID, index))
	name := strings.Trim(nameUnsafe.ReplaceAllString(raw, "-"), "-")
	if len(name) <= maxNameLength {
		return name
	}
	suffix := fmt.Sprintf("-%d", index)
	return strings.TrimRight(name[:maxNameLength-len(suffix)], "-") + suffix
}
