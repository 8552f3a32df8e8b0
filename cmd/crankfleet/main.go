package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/metrics"
	"github.com/torosent/crankfleet/internal/output"
	"github.com/torosent/crankfleet/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

var errRunFailed = errors.New("run failed")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	env, err := config.LoadEnvironment(cfg.EnvFile)
	if err != nil {
		return err
	}
	cfg.ApplyEnvironment(env)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	collector := metrics.NewCollector()
	settings := invocation.SettingsFromConfig(cfg)
	settings.PropagateTrace = tp.ShouldPropagate()

	var resp invocation.Response
	inv, err := invocation.New(ctx, env, settings, invocation.Options{
		Tracer:    tp.Tracer(),
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("invocation setup failed", "error", err)
		resp = invocation.NewResponse(fleet.NewRunResult(cfg.RunID), err)
	} else {
		resp = inv.Invoke(ctx, cfg.RunRequest())
	}

	if err := report(stdout, cfg.Output, resp, collector.Stats()); err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", errRunFailed, resp.Body.Error)
	}
	return nil
}

func report(w io.Writer, format config.OutputFormat, resp invocation.Response, stats metrics.Stats) error {
	switch format {
	case config.OutputJSON:
		return output.PrintJSONReport(w, resp, stats)
	case config.OutputYAML:
		return output.PrintYAMLReport(w, resp, stats)
	default:
		output.PrintReport(w, resp, stats)
		return nil
	}
}
