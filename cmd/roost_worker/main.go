package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/component"
	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/coordinator"
	"github.com/perchlabs/roost/internal/db"
	"github.com/perchlabs/roost/internal/db/repository"
	"github.com/perchlabs/roost/internal/deploy"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/queue"
	"github.com/perchlabs/roost/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	workerCfg, err := config.GetWorkerConfig()
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

	storageClient, err := component.GetStorage(cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}

	queueClient, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	locker, err := component.GetLocker(cfg.LOCKER_TYPE, dbClient)
	if err != nil {
		log.Fatalf("locker initialization error: %v", err)
	}

	backend, err := component.GetBuilder(cfg.BUILDER_TYPE, storageClient,
		time.Duration(workerCfg.BUILD_TIMEOUT_SECONDS)*time.Second)
	if err != nil {
		log.Fatalf("builder initialization error: %v", err)
	}

	substrate, err := component.GetScheduler(cfg.SCHEDULER_TYPE)
	if err != nil {
		log.Fatalf("scheduler initialization error: %v", err)
	}

	jobRepo := repository.NewJobRepository(dbClient)
	agentRepo := repository.NewAgentRepository(dbClient)
	buildRepo := repository.NewBuildRepository(dbClient)
	deploymentRepo := repository.NewDeploymentRepository(dbClient)

	pollBase := time.Duration(workerCfg.POLL_BASE_MILLIS) * time.Millisecond

	buildRunner := coordinator.New(buildRepo, backend, storageClient, cacheClient, coordinator.Options{
		RegistryURL:  workerCfg.REGISTRY_URL,
		PollBase:     pollBase,
		BuildTimeout: time.Duration(workerCfg.BUILD_TIMEOUT_SECONDS) * time.Second,
	})

	deployRunner := deploy.NewManager(deploymentRepo, buildRepo, agentRepo, substrate, cacheClient, deploy.Options{
		DefaultPort:   workerCfg.DEFAULT_AGENT_PORT,
		PollBase:      pollBase,
		HealthTimeout: time.Duration(workerCfg.HEALTH_TIMEOUT_SECONDS) * time.Second,
	})

	consumer, err := queueClient.Consumer(queue.JobSubmitted, queue.WorkerConsumer)
	if err != nil {
		log.Fatalf("consumer initialization error: %v", err)
	}

	w := worker.New(consumer, queueClient, jobRepo, agentRepo, locker,
		buildRunner, deployRunner, buildRepo, deploymentRepo, worker.Options{
			Owner:       workerCfg.CONSUMER_NAME,
			MaxAttempts: workerCfg.MAX_ATTEMPTS,
			LeaseTTL:    time.Duration(workerCfg.LEASE_TTL_SECONDS) * time.Second,
			RetryDelay:  pollBase,
		})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		logger.Log.Info().Str("consumer", workerCfg.CONSUMER_NAME).Msg("worker started")
		w.Run(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Log.Warn().Msg("worker did not drain in time")
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
	shutdown(storageClient.Close)
	shutdown(queueClient.Shutdown)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("worker shutdown gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Info().Msg("worker graceful shutdown timed out")
	}
}
