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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/live-transcribe/backend/internal/config"
	"github.com/zhouzirui/live-transcribe/backend/internal/handler"
	"github.com/zhouzirui/live-transcribe/backend/internal/handler/transcribe"
	"github.com/zhouzirui/live-transcribe/backend/internal/metrics"
	"github.com/zhouzirui/live-transcribe/backend/internal/service/inference"
	"github.com/zhouzirui/live-transcribe/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	transcriber, err := inference.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize %s transcriber: %v", cfg.Inference.Provider, err)
	}
	log.Printf("transcription provider: %s", cfg.Inference.Provider)

	recorder := metrics.NewMetrics(prometheus.DefaultRegisterer)
	manager := session.NewManager(transcriber, session.Options{
		FlushBytes:       cfg.Stream.FlushBytes,
		FlushInterval:    cfg.Stream.FlushInterval,
		IdleThreshold:    cfg.Stream.IdleThreshold,
		InferenceTimeout: cfg.Inference.Timeout,
		Recorder:         recorder,
	})

	router := handler.NewRouter(handler.RouterConfig{
		Sessions: manager,
		Provider: cfg.Inference.Provider,
		Stream: transcribe.Options{
			MaxBinaryBytes: cfg.Stream.MaxBinaryBytes,
			MaxTextBytes:   cfg.Stream.MaxTextBytes,
			IdleTimeout:    cfg.Stream.IdleTimeout,
			AllowedOrigins: cfg.Stream.AllowedOrigins,
		},
		Gatherer: prometheus.DefaultGatherer,
	})

	startServer(ctx, cfg.Server, router, manager)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, manager *session.Manager) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("[server] live transcription backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Hijacked WebSocket connections are not tracked by srv.Shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] session shutdown incomplete: %v", err)
	}
	log.Println("[server] stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
