package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/dispatch"
	"translation-dispatch/internal/infra/adapters/ai"
	"translation-dispatch/internal/infra/cache"
	"translation-dispatch/internal/infra/logging"
	"translation-dispatch/internal/infra/metrics"
	"translation-dispatch/internal/infra/web"
	"translation-dispatch/internal/infra/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logging)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("developer mode enabled")
	}
	metrics.MustRegister()

	store := config.NewStore(*cfgPath, cfg)

	// ---- Translation cache ----
	translationCache := cache.NewTranslationCache(cfg.Cache.Path, logger)
	translationCache.Load()

	// ---- Worker pool ----
	pool := worker.NewPool(cfg.Workers.Threads, logger)
	pool.Start(ctx)

	// ---- Executor ----
	formatter := ai.NewTemplateFormatter(func() config.PromptConfig {
		return store.Snapshot().Prompts
	})
	executor := ai.NewExecutor(formatter, ai.NewTagParser(), logger)

	// ---- Scheduler ----
	status := web.NewStatusCache()
	scheduler := dispatch.NewScheduler(store, pool, executor, translationCache, status, logger)
	go scheduler.Run(ctx)

	// ---- Admin HTTP server ----
	srv := web.NewServer(status, scheduler, translationCache, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	scheduler.Cancel(true)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown failed")
	}

	cancel()
	pool.Stop()

	if translationCache.Dirty() {
		if err := translationCache.Persist(); err != nil {
			logger.Error().Err(err).Msg("final cache persist failed")
		}
	}
	if err := store.Save(); err != nil {
		logger.Error().Err(err).Msg("final config writeback failed")
	}
	logger.Info().Msg("shutdown complete")
}
