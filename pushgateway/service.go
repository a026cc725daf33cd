// Package pushgateway assembles the deployable service: the dispatch engine,
// the ingestion pipeline feeding it, and the HTTP surface around both.
package pushgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/engine"
	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

// feedbackTimeout bounds the storage work done per feedback entry; the
// observer runs on the engine's feedback goroutine and must not stall it.
const feedbackTimeout = 5 * time.Second

type Wrapper struct {
	*microservice.BaseServer
	engine          *engine.Engine
	pipelineService *messagepipeline.StreamingService[pipeline.PushRequest]
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	eng *engine.Engine,
	registry push.TokenRegistry,
	suppressor push.Suppressor,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(eng, registry, suppressor, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.PushRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. Vendor feedback keeps the registry and suppression store honest.
	eng.RegisterFeedbackObserver(newFeedbackObserver(registry, suppressor, logger))

	// 5. API
	tokenAPI := api.NewTokenAPI(registry, suppressor, logger)
	sendAPI := api.NewSendAPI(eng, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// Helper for clean route definition
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Device registration
	handle("PUT /tokens", tokenAPI.RegisterDevice)
	handle("DELETE /tokens", tokenAPI.UnregisterDevice)

	// 2. Direct sends past the bus, and cancellation
	handle("POST /notifications", sendAPI.SendNotification)
	handle("DELETE /notifications/{id}", sendAPI.CancelNotification)

	// 3. Engine counters, outside auth so probes can reach them
	mux.Handle("GET /metrics", corsMiddleware(http.HandlerFunc(sendAPI.GetMetrics)))

	// 4. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		engine:          eng,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Dispatch engine starting...")
	w.engine.Start(ctx)
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then drains the engine, then closes the HTTP
// server, so nothing new is accepted while in-flight work settles.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.engine.Close(ctx); err != nil {
		w.logger.Error("Dispatch engine shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

// newFeedbackObserver reacts to vendor token reports. Dead tokens are
// suppressed and removed from the registry; canonical replacements only get
// logged, since the owning device re-registers on its next launch. Storage
// failures are logged and swallowed: feedback must never fail the engine.
func newFeedbackObserver(registry push.TokenRegistry, suppressor push.Suppressor, logger *slog.Logger) push.FeedbackObserver {
	obsLogger := logger.With("component", "feedback_observer")
	return func(entry push.FeedbackEntry) {
		ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
		defer cancel()

		tokenKey := push.TokenKey(entry.DeviceToken)
		if !entry.Reason.InvalidatesToken() {
			obsLogger.Info("Vendor feedback without invalidation",
				"vendor", string(entry.Vendor),
				"token", tokenKey,
				"reason", string(entry.Reason),
				"replacement", push.TokenKey(entry.ReplacementToken))
			return
		}

		if suppressor != nil {
			if err := suppressor.Suppress(ctx, entry); err != nil {
				obsLogger.Warn("Failed to suppress dead token", "token", tokenKey, "err", err)
			}
		}
		if registry != nil {
			removed, err := registry.RemoveToken(ctx, entry.Vendor, entry.DeviceToken)
			if err != nil {
				obsLogger.Warn("Failed to remove dead token from registry", "token", tokenKey, "err", err)
				return
			}
			obsLogger.Info("Dead token removed",
				"vendor", string(entry.Vendor),
				"token", tokenKey,
				"reason", string(entry.Reason),
				"registrations", removed)
		}
	}
}
