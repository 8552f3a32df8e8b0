package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/tracing"
)

// handler serves S3 ObjectCreated events for uploaded test packages.
type handler struct {
	env    config.Environment
	tp     *tracing.Provider
	logger *slog.Logger
	// newInvoker is swapped in tests.
	newInvoker func(ctx context.Context, env config.Environment, settings invocation.Settings, opts invocation.Options) (*invocation.Invoker, error)
}

func main() {
	env, err := config.LoadEnvironment("")
	if err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	logger, err := config.NewLogger(os.Stderr, env.LogLevel, true)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	tp, err := tracing.Init(context.Background(), config.TracingConfig{SampleRate: 1.0})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := &handler{env: env, tp: tp, logger: logger, newInvoker: invocation.New}
	lambda.Start(h.handle)
}

// handle runs one fleet for the first record of event. Failures are
// reported in the response, never as a Lambda error.
func (h *handler) handle(ctx context.Context, event events.S3Event) (invocation.Response, error) {
	if len(event.Records) == 0 {
		return invocation.NewResponse(nil, fleet.ConfigurationError("event contains no S3 records")), nil
	}
	record := event.Records[0].S3
	key := record.Object.URLDecodedKey
	if key == "" {
		key = record.Object.Key
	}
	logger := h.logger.With("bucket", record.Bucket.Name, "key", key)
	logger.Info("received upload event", "records", len(event.Records))

	settings := invocation.SettingsFromEnvironment(h.env)
	settings.PropagateTrace = h.tp.ShouldPropagate()
	inv, err := h.newInvoker(ctx, h.env, settings, invocation.Options{Tracer: h.tp.Tracer(), Logger: logger})
	if err != nil {
		logger.Error("invocation setup failed", "error", err)
		return invocation.NewResponse(nil, err), nil
	}

	req, err := inv.RequestFromObject(ctx, record.Bucket.Name, key)
	if err != nil {
		logger.Error("invalid test package", "error", err)
		return invocation.NewResponse(nil, err), nil
	}
	return inv.Invoke(ctx, req), nil
}
