package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/tracing"
	"github.com/torosent/crankfleet/internal/webhook"
)

func main() {
	flags := pflag.NewFlagSet("crankfleet-webhook", pflag.ExitOnError)
	addr := flags.String("listen", ":8080", "Address to serve on")
	envFile := flags.String("env-file", "", "Path to a .env file with deployment settings")
	runTimeout := flags.Duration("run-timeout", webhook.DefaultTimeout, "Upper bound on one run")
	_ = flags.Parse(os.Args[1:])

	env, err := config.LoadEnvironment(*envFile)
	if err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	logger, err := config.NewLogger(os.Stderr, env.LogLevel, true)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, config.TracingConfig{SampleRate: 1.0})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	settings := invocation.SettingsFromEnvironment(env)
	settings.PropagateTrace = tp.ShouldPropagate()
	if err := env.Validate(nil); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	newInvoker := func(ctx context.Context) (webhook.Invoker, error) {
		inv, err := invocation.New(ctx, env, settings, invocation.Options{Tracer: tp.Tracer(), Logger: logger})
		if err != nil {
			return nil, err
		}
		return inv, nil
	}

	svc := webhook.NewService(newInvoker, webhook.Options{Timeout: *runTimeout, Logger: logger})
	server := &http.Server{
		Addr:              *addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
	}()

	logger.Info("webhook listening", "addr", *addr, "provider", env.Provider, "store", env.ArtifactStore)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Could not listen on %s: %v", *addr, err)
	}
	logger.Info("server stopped")
}
