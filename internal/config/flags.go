package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crankfleet",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Run request flags
	flags.String("run-id", "", "Run identifier (generated when empty)")
	flags.StringToInt("region", nil, "Workers per region in region=count form (repeatable)")
	flags.String("load-profile", DefaultLoadProfile, "Load profile naming the worker and coordinator definitions")
	flags.String("artifact", "", "Test package location: s3://bucket/key.zip, a local .zip or a directory")
	flags.String("entry-plan", "", "Plan file the coordinator executes")
	flags.StringToString("extra", nil, "Extra coordinator settings in key=value form")

	// Readiness flags
	flags.Int("control-port", 0, "Worker control port probed for readiness (default from WORKER_CONTROL_PORT)")
	flags.Duration("ready-timeout", 0, "How long to wait for workers to accept connections (default from READY_TIMEOUT)")
	flags.Duration("poll-interval", 0, "Pause between readiness sweeps (default from POLL_INTERVAL)")
	flags.Duration("probe-timeout", DefaultProbeTimeout, "Per-address connection attempt timeout")
	flags.Duration("resolve-timeout", 0, "Bound on waiting for task addresses (0 waits until cancelled)")
	flags.StringSlice("min-ready", nil, "Readiness thresholds (repeatable, e.g. 'ready:ratio >= 0.5')")

	// Output flags
	flags.String("output", string(OutputText), "Report format: text, json or yaml")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("config", "", "Path to configuration file (JSON, YAML or TOML)")
	flags.String("env-file", "", "Path to a .env file with deployment settings")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP endpoint for step spans")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling ratio between 0.0 and 1.0")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("run-id") {
		val, err := fs.GetString("run-id")
		if err != nil {
			return err
		}
		cfg.RunID = strings.TrimSpace(val)
	}
	if fs.Changed("region") {
		val, err := fs.GetStringToInt("region")
		if err != nil {
			return err
		}
		regions := make(map[string]int, len(val))
		for name, count := range val {
			regions[strings.TrimSpace(name)] = count
		}
		cfg.Regions = regions
	}
	if fs.Changed("load-profile") {
		val, err := fs.GetString("load-profile")
		if err != nil {
			return err
		}
		cfg.LoadProfile = val
	}
	if fs.Changed("artifact") {
		val, err := fs.GetString("artifact")
		if err != nil {
			return err
		}
		cfg.Artifact = val
	}
	if fs.Changed("entry-plan") {
		val, err := fs.GetString("entry-plan")
		if err != nil {
			return err
		}
		cfg.EntryPlan = val
	}
	if fs.Changed("extra") {
		val, err := fs.GetStringToString("extra")
		if err != nil {
			return err
		}
		for k, v := range val {
			cfg.Extra[k] = v
		}
	}
	if fs.Changed("control-port") {
		val, err := fs.GetInt("control-port")
		if err != nil {
			return err
		}
		cfg.ControlPort = val
	}
	if fs.Changed("ready-timeout") {
		val, err := fs.GetDuration("ready-timeout")
		if err != nil {
			return err
		}
		cfg.ReadyTimeout = val
	}
	if fs.Changed("poll-interval") {
		val, err := fs.GetDuration("poll-interval")
		if err != nil {
			return err
		}
		cfg.PollInterval = val
	}
	if fs.Changed("probe-timeout") {
		val, err := fs.GetDuration("probe-timeout")
		if err != nil {
			return err
		}
		cfg.ProbeTimeout = val
	}
	if fs.Changed("resolve-timeout") {
		val, err := fs.GetDuration("resolve-timeout")
		if err != nil {
			return err
		}
		cfg.ResolveTimeout = val
	}
	if fs.Changed("min-ready") {
		val, err := fs.GetStringSlice("min-ready")
		if err != nil {
			return err
		}
		cfg.MinReady = val
	}
	if fs.Changed("output") {
		val, err := fs.GetString("output")
		if err != nil {
			return err
		}
		cfg.Output = OutputFormat(val)
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = val
	}
	if fs.Changed("env-file") {
		val, err := fs.GetString("env-file")
		if err != nil {
			return err
		}
		cfg.EnvFile = val
	}
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = val
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	return nil
}
