// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quillworks/quill/pkg/logging"
	"github.com/quillworks/quill/services/gateway/extract"
	"github.com/quillworks/quill/services/gateway/handlers"
	"github.com/quillworks/quill/services/gateway/history"
	"github.com/quillworks/quill/services/gateway/middleware"
	"github.com/quillworks/quill/services/gateway/observability"
	"github.com/quillworks/quill/services/gateway/providers"
	"github.com/quillworks/quill/services/gateway/registry"
	"github.com/quillworks/quill/services/gateway/routes"
	"github.com/quillworks/quill/services/gateway/services"
	"github.com/quillworks/quill/services/gateway/transport"
)

var serveFlags struct {
	port         string
	registryPath string
	dataDir      string
	logLevel     string
	logDir       string
	noRateLimit  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.port, "port", envOr("GATEWAY_PORT", "12300"), "listen port")
	serveCmd.Flags().StringVar(&serveFlags.registryPath, "registry", os.Getenv("GATEWAY_MODEL_REGISTRY"),
		"path to the model registry YAML (compiled-in defaults when empty)")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", os.Getenv("GATEWAY_DATA_DIR"),
		"directory for durable conversation storage (in-memory when empty)")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", envOr("GATEWAY_LOG_LEVEL", "info"),
		"log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveFlags.logDir, "log-dir", os.Getenv("GATEWAY_LOG_DIR"),
		"directory for JSON log files (stderr only when empty)")
	serveCmd.Flags().BoolVar(&serveFlags.noRateLimit, "no-rate-limit", false,
		"disable per-client rate limiting")
	rootCmd.AddCommand(serveCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// initTracer wires the OTLP gRPC exporter. Tracing is optional: when no
// collector endpoint is configured the provider stays on the no-op path.
func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("quill-gateway")))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildAdapters constructs every provider whose credentials are present.
// A missing key skips that provider with a warning instead of failing
// startup; Ollama needs no credentials and is always available.
func buildAdapters() []providers.Adapter {
	tc := transport.NewClient()
	var adapters []providers.Adapter

	if a, err := providers.NewOpenAIAdapter(tc); err != nil {
		slog.Warn("openai adapter unavailable", "error", err)
	} else {
		adapters = append(adapters, a)
	}
	if a, err := providers.NewAnthropicAdapter(tc); err != nil {
		slog.Warn("anthropic adapter unavailable", "error", err)
	} else {
		adapters = append(adapters, a)
	}
	if a, err := providers.NewOllamaAdapter(tc); err != nil {
		slog.Warn("ollama adapter unavailable", "error", err)
	} else {
		adapters = append(adapters, a)
	}
	return adapters
}

func runServe(ctx context.Context) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(serveFlags.logLevel),
		LogDir:  serveFlags.logDir,
		Service: "gateway",
	})
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	cleanup, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("tracer setup: %w", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// Storage: durable when a data dir is configured, in-memory otherwise.
	var turns history.TurnStore
	var attachments history.AttachmentStore
	if serveFlags.dataDir != "" {
		store, err := history.OpenBadger(history.DefaultBadgerConfig(serveFlags.dataDir))
		if err != nil {
			return fmt.Errorf("open data dir %s: %w", serveFlags.dataDir, err)
		}
		defer store.Close()
		turns, attachments = store, store
		slog.Info("using durable conversation storage", "path", serveFlags.dataDir)
	} else {
		store := history.NewMemoryStore()
		turns, attachments = store, store
		slog.Warn("no data dir configured, conversation state is in-memory only")
	}

	// Model registry: file-backed with hot reload, or compiled-in defaults.
	var reg *registry.Registry
	if serveFlags.registryPath != "" {
		reg, err = registry.LoadFile(serveFlags.registryPath)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := reg.Watch(ctx); err != nil {
			return fmt.Errorf("watch model registry: %w", err)
		}
		slog.Info("model registry loaded", "path", serveFlags.registryPath)
	} else {
		reg = registry.NewRegistry()
		slog.Info("using compiled-in model registry")
	}

	adapters := buildAdapters()
	if len(adapters) == 0 {
		return fmt.Errorf("no provider adapters available, check backend credentials")
	}
	router := registry.NewRouter(reg, adapters...)

	extractor := extract.New(router)
	turnService := services.NewTurnService(turns, attachments, router, extractor, metrics)

	var limiter *middleware.RateLimiter
	if !serveFlags.noRateLimit {
		limiter = middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.SetupRoutes(engine, routes.Deps{
		Registry:    reg,
		TurnService: turnService,
		Turns:       turns,
		Attachments: attachments,
		RateLimit:   limiter,
		HealthProbes: []handlers.Probe{
			{Name: "registry", Check: func(context.Context) error {
				if len(reg.Models()) == 0 {
					return fmt.Errorf("model catalog is empty")
				}
				return nil
			}},
			{Name: "history", Check: func(ctx context.Context) error {
				// ErrNotFound is the healthy answer for a probe read.
				_, err := turns.History(ctx, "healthz-probe")
				if err != nil && !errors.Is(err, history.ErrNotFound) {
					return err
				}
				return nil
			}},
		},
	})

	srv := &http.Server{Addr: ":" + serveFlags.port, Handler: engine}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	slog.Info("gateway listening", "port", serveFlags.port)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
