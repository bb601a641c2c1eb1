package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roost/pkg/bus"
	"roost/pkg/db"
	"roost/pkg/events"
	gos3 "roost/pkg/s3"
	"roost/pkg/telemetry"
	"roost/services/api"
	"roost/services/api/internal/config"
	"roost/services/enrollment"
	"roost/services/inventory"
)

func main() {
	if err := run("roostd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.ConnectORM(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect orm: %w", err)
	}
	defer func() {
		if err := db.CloseORM(orm); err != nil {
			fmt.Fprintf(os.Stderr, "%s: orm close error: %v\n", serviceName, err)
		}
	}()

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	emitter, err := events.NewBusEmitter(eventBus)
	if err != nil {
		return fmt.Errorf("init emitter: %w", err)
	}

	s3Client, err := gos3.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	signer, err := enrollment.NewSignerFromEnv()
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	server, err := api.New(&api.Store{
		DB:      pool,
		ORM:     orm,
		S3:      s3Client,
		Bus:     eventBus,
		Emitter: emitter,
	}, signer, nil, api.Config{
		CarveBucket:        cfg.CarveBucket,
		ArchiveURLTTL:      cfg.ArchiveURLTTL,
		OsqueryOptionsPath: cfg.OsqueryOptionsPath,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	routes, err := server.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	auditWorker, err := inventory.NewWorker(pool, eventBus)
	if err != nil {
		return fmt.Errorf("init audit worker: %w", err)
	}
	if err := auditWorker.Start(ctx); err != nil {
		return fmt.Errorf("start audit worker: %w", err)
	}
	defer func() {
		if err := auditWorker.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: audit worker close error: %v\n", serviceName, err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", httpServer.Addr)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}
