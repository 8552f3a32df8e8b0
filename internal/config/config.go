package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/torosent/crankfleet/internal/fleet"
)

// OutputFormat selects how the run report is rendered.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

const (
	DefaultLoadProfile  = "jmeter"
	DefaultProbeTimeout = 2 * time.Second
)

// Config is a single run as described on the command line and in an
// optional config file.
type Config struct {
	ConfigFile string
	EnvFile    string

	RunID       string
	Regions     map[string]int
	LoadProfile string
	Artifact    string
	EntryPlan   string
	Extra       map[string]string
	Profiles    []ProfileConfig

	ControlPort    int
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	ResolveTimeout time.Duration
	MinReady       []string

	Output   OutputFormat
	LogLevel string
	Tracing  TracingConfig
}

// ProfileConfig declares or overrides a load profile.
type ProfileConfig struct {
	Name                  string            `mapstructure:"name"`
	WorkerDefinition      string            `mapstructure:"worker_definition"`
	CoordinatorDefinition string            `mapstructure:"coordinator_definition"`
	WorkerImage           string            `mapstructure:"worker_image"`
	CoordinatorImage      string            `mapstructure:"coordinator_image"`
	WorkerContainer       string            `mapstructure:"worker_container"`
	CoordinatorContainer  string            `mapstructure:"coordinator_container"`
	WorkerCPU             float64           `mapstructure:"worker_cpu"`
	WorkerMemoryMiB       int               `mapstructure:"worker_memory_mib"`
	CoordinatorCPU        float64           `mapstructure:"coordinator_cpu"`
	CoordinatorMemoryMiB  int               `mapstructure:"coordinator_memory_mib"`
	CoordinatorPorts      []int             `mapstructure:"coordinator_ports"`
	WorkerEnv             map[string]string `mapstructure:"worker_env"`
	CoordinatorEnv        map[string]string `mapstructure:"coordinator_env"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether trace context is handed to the coordinator.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// ApplyEnvironment fills run settings left unset by flags and the config
// file from the deployment environment.
func (c *Config) ApplyEnvironment(env Environment) {
	if c.ControlPort == 0 {
		c.ControlPort = env.ControlPort
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = env.ReadyTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = env.PollInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
}

func (c Config) Validate() error {
	var issues []string

	if len(c.Regions) == 0 {
		issues = append(issues, "at least one region is required (use --region name=count)")
	}
	total := 0
	for _, name := range sortedKeys(c.Regions) {
		count := c.Regions[name]
		if count < 0 {
			issues = append(issues, fmt.Sprintf("regions[%s]: worker count must be non-negative", name))
		}
		total += count
	}
	if len(c.Regions) > 0 && total == 0 {
		issues = append(issues, "regions: at least one worker must be requested")
	}
	if strings.TrimSpace(c.Artifact) == "" {
		issues = append(issues, "artifact is required (use --help for usage information)")
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		issues = append(issues, "control_port must be between 1 and 65535")
	}
	if c.ReadyTimeout < 0 {
		issues = append(issues, "ready_timeout must be non-negative")
	}
	if c.PollInterval < 0 {
		issues = append(issues, "poll_interval must be non-negative")
	}
	if c.ProbeTimeout < 0 {
		issues = append(issues, "probe_timeout must be non-negative")
	}
	if c.ResolveTimeout < 0 {
		issues = append(issues, "resolve_timeout must be non-negative")
	}
	switch c.Output {
	case "", OutputText, OutputJSON, OutputYAML:
	default:
		issues = append(issues, fmt.Sprintf("output must be text, json or yaml, got %q", c.Output))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		issues = append(issues, err.Error())
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}

	seen := map[string]bool{}
	for i, p := range c.Profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			issues = append(issues, fmt.Sprintf("profiles[%d]: name is required", i))
			continue
		}
		if seen[name] {
			issues = append(issues, fmt.Sprintf("profiles[%d]: duplicate profile %q", i, name))
		}
		seen[name] = true
		if p.WorkerCPU < 0 || p.CoordinatorCPU < 0 || p.WorkerMemoryMiB < 0 || p.CoordinatorMemoryMiB < 0 {
			issues = append(issues, fmt.Sprintf("profiles[%s]: cpu and memory must be non-negative", name))
		}
	}

	if total > 200 {
		fmt.Fprintf(os.Stderr, "WARNING: %d workers requested. Ensure the account quotas and the target system can take it.\n", total)
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// RunRequest converts the config into an orchestration request.
func (c Config) RunRequest() fleet.RunRequest {
	req := fleet.RunRequest{
		RunID:            c.RunID,
		Regions:          make(map[string]int, len(c.Regions)),
		LoadProfile:      c.LoadProfile,
		ArtifactLocation: c.Artifact,
		EntryPlanFile:    c.EntryPlan,
	}
	for name, count := range c.Regions {
		req.Regions[name] = count
	}
	if len(c.Extra) > 0 {
		req.ExtraConfig = make(fleet.ExtraConfig, len(c.Extra))
		for k, v := range c.Extra {
			req.ExtraConfig[k] = v
		}
	}
	return req
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
