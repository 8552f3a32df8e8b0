package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ConfigFile:  configPath,
		Regions:     map[string]int{},
		Extra:       map[string]string{},
		LoadProfile: DefaultLoadProfile,
		Output:      OutputText,
		LogLevel:    "info",
		Tracing:     TracingConfig{SampleRate: 1.0},
	}

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Artifact = strings.TrimSpace(cfg.Artifact)
	cfg.EntryPlan = strings.TrimSpace(cfg.EntryPlan)
	cfg.Output = OutputFormat(strings.ToLower(string(cfg.Output)))
	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "run_id", "runid", "run-id"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("run_id: %w", err)
		}
		cfg.RunID = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "regions"); ok {
		regions, err := asIntMap(raw)
		if err != nil {
			return fmt.Errorf("regions: %w", err)
		}
		cfg.Regions = regions
	}

	if raw, ok := lookupSetting(settings, "load_profile", "loadprofile", "load-profile"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("load_profile: %w", err)
		}
		if val != "" {
			cfg.LoadProfile = val
		}
	}

	if raw, ok := lookupSetting(settings, "artifact", "artifact_location"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("artifact: %w", err)
		}
		cfg.Artifact = val
	}

	if raw, ok := lookupSetting(settings, "entry_plan", "entryplan", "entry-plan", "entry_plan_file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("entry_plan: %w", err)
		}
		cfg.EntryPlan = val
	}

	if raw, ok := lookupSetting(settings, "extra", "extra_config"); ok {
		extra, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("extra: %w", err)
		}
		for k, v := range extra {
			cfg.Extra[k] = v
		}
	}

	if raw, ok := lookupSetting(settings, "profiles"); ok {
		profiles, err := parseProfiles(raw)
		if err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
		cfg.Profiles = profiles
	}

	if raw, ok := lookupSetting(settings, "control_port", "controlport", "control-port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("control_port: %w", err)
		}
		cfg.ControlPort = val
	}

	durations := []struct {
		keys []string
		dst  *time.Duration
	}{
		{[]string{"ready_timeout", "readytimeout", "ready-timeout"}, &cfg.ReadyTimeout},
		{[]string{"poll_interval", "pollinterval", "poll-interval"}, &cfg.PollInterval},
		{[]string{"probe_timeout", "probetimeout", "probe-timeout"}, &cfg.ProbeTimeout},
		{[]string{"resolve_timeout", "resolvetimeout", "resolve-timeout"}, &cfg.ResolveTimeout},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.keys...)
		if !ok {
			continue
		}
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.keys[0], err)
		}
		*d.dst = dur
	}

	if raw, ok := lookupSetting(settings, "min_ready", "minready", "min-ready"); ok {
		vals, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("min_ready: %w", err)
		}
		cfg.MinReady = vals
	}

	if raw, ok := lookupSetting(settings, "output"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		if val != "" {
			cfg.Output = OutputFormat(val)
		}
	}

	if raw, ok := lookupSetting(settings, "env_file", "envfile", "env-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("env_file: %w", err)
		}
		cfg.EnvFile = val
	}

	if raw, ok := lookupSetting(settings, "log_level", "loglevel", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		if val != "" {
			cfg.LogLevel = val
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tc, err := parseTracing(raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tc
	}

	return nil
}

func parseProfiles(value interface{}) ([]ProfileConfig, error) {
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	profiles := make([]ProfileConfig, 0, len(items))
	for i, item := range items {
		settings, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		p, err := buildProfile(settings)
		if err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func buildProfile(settings map[string]interface{}) (ProfileConfig, error) {
	var p ProfileConfig
	strFields := []struct {
		key string
		dst *string
	}{
		{"name", &p.Name},
		{"worker_definition", &p.WorkerDefinition},
		{"coordinator_definition", &p.CoordinatorDefinition},
		{"worker_image", &p.WorkerImage},
		{"coordinator_image", &p.CoordinatorImage},
		{"worker_container", &p.WorkerContainer},
		{"coordinator_container", &p.CoordinatorContainer},
	}
	for _, f := range strFields {
		if raw, ok := lookupSetting(settings, f.key); ok {
			val, err := asString(raw)
			if err != nil {
				return p, fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "worker_cpu"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return p, fmt.Errorf("worker_cpu: %w", err)
		}
		p.WorkerCPU = val
	}
	if raw, ok := lookupSetting(settings, "coordinator_cpu"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return p, fmt.Errorf("coordinator_cpu: %w", err)
		}
		p.CoordinatorCPU = val
	}
	if raw, ok := lookupSetting(settings, "worker_memory_mib"); ok {
		val, err := asInt(raw)
		if err != nil {
			return p, fmt.Errorf("worker_memory_mib: %w", err)
		}
		p.WorkerMemoryMiB = val
	}
	if raw, ok := lookupSetting(settings, "coordinator_memory_mib"); ok {
		val, err := asInt(raw)
		if err != nil {
			return p, fmt.Errorf("coordinator_memory_mib: %w", err)
		}
		p.CoordinatorMemoryMiB = val
	}
	if raw, ok := lookupSetting(settings, "coordinator_ports"); ok {
		ports, err := asIntSlice(raw)
		if err != nil {
			return p, fmt.Errorf("coordinator_ports: %w", err)
		}
		p.CoordinatorPorts = ports
	}
	if raw, ok := lookupSetting(settings, "worker_env"); ok {
		env, err := asStringMap(raw)
		if err != nil {
			return p, fmt.Errorf("worker_env: %w", err)
		}
		p.WorkerEnv = env
	}
	if raw, ok := lookupSetting(settings, "coordinator_env"); ok {
		env, err := asStringMap(raw)
		if err != nil {
			return p, fmt.Errorf("coordinator_env: %w", err)
		}
		p.CoordinatorEnv = env
	}
	return p, nil
}

func parseTracing(value interface{}) (TracingConfig, error) {
	var tc TracingConfig
	settings, err := toStringKeyMap(value)
	if err != nil {
		return tc, err
	}
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		if tc.Endpoint, err = asString(raw); err != nil {
			return tc, fmt.Errorf("endpoint: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		if tc.Protocol, err = asString(raw); err != nil {
			return tc, fmt.Errorf("protocol: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename"); ok {
		if tc.ServiceName, err = asString(raw); err != nil {
			return tc, fmt.Errorf("service_name: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate"); ok {
		if tc.SampleRate, err = asFloat64(raw); err != nil {
			return tc, fmt.Errorf("sample_rate: %w", err)
		}
	} else {
		tc.SampleRate = 1.0
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		if tc.Insecure, err = asBool(raw); err != nil {
			return tc, fmt.Errorf("insecure: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return tc, fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return tc, nil
}
