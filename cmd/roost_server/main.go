package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/component"
	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/db"
	"github.com/perchlabs/roost/internal/db/repository"
	"github.com/perchlabs/roost/internal/logger"
	agentservice "github.com/perchlabs/roost/internal/service/agent_service"
	"github.com/perchlabs/roost/internal/web"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer := agent_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		defer shutdownTracer()
	}

	dbClient, err := db.New(ctx)
	if err != nil {
		log.Fatalf("db initialization error: %v", err)
	}
	if err := dbClient.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema error: %v", err)
	}

	cacheClient, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	queueClient, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	substrate, err := component.GetScheduler(cfg.SCHEDULER_TYPE)
	if err != nil {
		log.Fatalf("scheduler initialization error: %v", err)
	}

	svc := agentservice.NewAgentService(
		repository.NewAgentRepository(dbClient),
		repository.NewJobRepository(dbClient),
		repository.NewBuildRepository(dbClient),
		repository.NewDeploymentRepository(dbClient),
		cacheClient,
		queueClient,
		substrate,
	)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           web.NewServer(svc).Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}

	var wg sync.WaitGroup
	shutdown := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	shutdown(dbClient.Close)
	shutdown(func() { cacheClient.Shutdown(shutdownCtx) })
	shutdown(queueClient.Shutdown)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Info().Msg("server graceful shutdown timed out")
	}
}
