// Package deviceservice assembles the push pipeline and the device
// registration API behind a single microservice.
package deviceservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-gcm-device-service/deviceservice/config"
	"github.com/tinywideclouds/go-gcm-device-service/internal/api"
	"github.com/tinywideclouds/go-gcm-device-service/internal/pipeline"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.PushRequest]
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	broadcaster pipeline.Broadcaster,
	store dispatch.Store,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(broadcaster, logger.With("component", "PushProcessor"))

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

	// 4. API (Device Registration)
	deviceAPI := api.NewDeviceAPI(store, logger.With("component", "DeviceAPI"))

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	preflight := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	mux.Handle("OPTIONS /api/v1/devices", preflight)
	mux.Handle("OPTIONS /api/v1/devices/unregister", preflight)
	handle("POST /api/v1/devices", deviceAPI.Register)
	handle("POST /api/v1/devices/unregister", deviceAPI.Unregister)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
