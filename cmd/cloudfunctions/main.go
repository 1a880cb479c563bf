package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloudfunctions/internal/adapters/docker"
	"cloudfunctions/internal/adapters/gorm"
	"cloudfunctions/internal/adapters/kubernetes"
	"cloudfunctions/internal/adapters/packagestore"
	"cloudfunctions/internal/adapters/process"
	"cloudfunctions/internal/adapters/wasm"
	"cloudfunctions/internal/config"
	"cloudfunctions/internal/core/functions"
	"cloudfunctions/internal/core/notify"
	api "cloudfunctions/internal/delivery/http"
	"cloudfunctions/internal/tracing"

	_ "cloudfunctions/docs"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName     = "cloudfunctions"
	serviceVersion  = "1.0"
	shutdownTimeout = 15 * time.Second
)

// @title           Cloud Functions API
// @version         1.0
// @description     Deploy, activate and invoke zip-packaged functions.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", serviceName).Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("execution_env", string(cfg.ExecutionEnv)).
		Str("archive_backend", string(cfg.ArchiveBackend)).
		Msg("bootstrapping service")

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		if err := tracing.Init(serviceName, serviceVersion, cfg.TracingOutput); err != nil {
			log.Fatal().Err(err).Msg("tracing init")
		}
	}

	db, err := gorm.New(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm connect")
	}
	registry, err := functions.NewRegistry(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("registry init")
	}

	var archives packagestore.Backend
	if cfg.ArchiveBackend == config.BackendS3 {
		s3Backend, err := packagestore.NewS3Backend(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 archive backend init")
		}
		archives = s3Backend
	}
	store, err := packagestore.New(filepath.Clean(cfg.FunctionStorageDir), archives, log)
	if err != nil {
		log.Fatal().Err(err).Msg("package store init")
	}

	wasmRuntime := wasm.New(ctx, log)
	runtimes := []functions.Runtime{process.New(cfg.PythonBin, log), wasmRuntime}

	switch cfg.ExecutionEnv {
	case config.EnvDocker:
		drt, err := docker.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("docker client init")
		}
		runtimes = append(runtimes, drt)
	case config.EnvKubernetes:
		krt, err := kubernetes.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		runtimes = append(runtimes, krt)
	}

	dispatcher := functions.NewDispatcher(registry, store, runtimes, functions.DispatcherConfig{
		DefaultRuntime:    string(cfg.ExecutionEnv),
		DefaultEntrypoint: cfg.DefaultEntrypoint,
		Timeout:           cfg.InvokeTimeout,
		CacheHandles:      cfg.UnitCache,
	}, log)
	pipeline := functions.NewPipeline(store, registry, log)

	relay := notify.NewRelay(notify.Config{
		Timeout:   cfg.NotifyTimeout,
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
	}, nil, log)
	relay.Start()

	mgr := functions.NewManager(registry, pipeline, dispatcher, relay, log)

	handler := otelhttp.NewHandler(api.NewHandler(mgr, cfg.MaxUploadBytes, log), "cloudfunctions-api")
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := relay.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("pending", relay.Pending()).Msg("notification relay did not drain")
	}
	if err := wasmRuntime.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("wasm runtime close")
	}
	if err := gorm.Close(db); err != nil {
		log.Error().Err(err).Msg("database close")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}

	log.Info().Msg("shutdown complete")
}
