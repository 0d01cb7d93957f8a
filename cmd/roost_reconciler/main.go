package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/component"
	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/reconciler"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	reconcilerCfg, err := config.GetReconcilerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer := agent_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		defer shutdownTracer()
	}

	substrate, err := component.GetScheduler(cfg.SCHEDULER_TYPE)
	if err != nil {
		log.Fatalf("scheduler initialization error: %v", err)
	}

	admin, err := component.GetGateway(cfg.GATEWAY_TYPE)
	if err != nil {
		log.Fatalf("gateway initialization error: %v", err)
	}

	r := reconciler.New(substrate, admin, reconciler.Options{
		Interval:        time.Duration(reconcilerCfg.INTERVAL_SECONDS) * time.Second,
		GraceWindow:     time.Duration(reconcilerCfg.GRACE_WINDOW_SECONDS) * time.Second,
		ProtectedRoutes: reconcilerCfg.PROTECTED_ROUTES,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Log.Info().
			Int("interval_seconds", reconcilerCfg.INTERVAL_SECONDS).
			Msg("reconciler started")
		r.Run(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("shutting down reconciler")
	cancel()

	select {
	case <-done:
		logger.Log.Info().Msg("reconciler shutdown gracefully")
	case <-time.After(30 * time.Second):
		logger.Log.Warn().Msg("reconciler shutdown timed out")
	}
}
