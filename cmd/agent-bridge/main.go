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

	"chatstack.local/projects/agent-bridge/internal/audit"
	"chatstack.local/projects/agent-bridge/internal/breaker"
	"chatstack.local/projects/agent-bridge/internal/bridge"
	"chatstack.local/projects/agent-bridge/internal/config"
	"chatstack.local/projects/agent-bridge/internal/dispatch"
	"chatstack.local/projects/agent-bridge/internal/engine"
	"chatstack.local/projects/agent-bridge/internal/httpapi"
	"chatstack.local/projects/agent-bridge/internal/subscribers"
	logging "chatstack.local/projects/agent-bridge/internal/subscribers/logging"
	"chatstack.local/projects/agent-bridge/internal/subscribers/natspub"
	"chatstack.local/projects/agent-bridge/internal/usercontext"
)

func main() {
	logger := log.New(os.Stdout, "bridge ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg, err := config.FromYAMLAndEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	auditStore, err := audit.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize audit store: %v", err)
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			logger.Printf("audit store close error: %v", err)
		}
	}()

	subs := []subscribers.Subscriber{logging.New(logger)}
	var natsPublisher *natspub.Publisher
	if cfg.NATSURL != "" {
		natsPublisher, err = natspub.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatalf("failed to connect nats: %v", err)
		}
		defer natsPublisher.Close()
		subs = append(subs, natsPublisher)
	}
	dispatcher := dispatch.New(logger, subs)

	contexts := usercontext.NewManager(logger, usercontext.WithAuditSink(auditStore))
	pool := bridge.NewConnectionPool(logger, cfg.MaxConnectionsPerUser)
	bridges := bridge.NewFactory(logger, pool)
	breakers := breaker.NewManagerWithDefaults(logger)

	healthChecker := breaker.NewHealthChecker(breakers, logger, cfg.HealthCheckInterval, 5*time.Second)
	breakers.RegisterStateChangeListener(healthChecker)
	healthChecker.Start()
	defer healthChecker.Stop()

	engines := engine.NewFactory(logger, contexts, bridges, breakers, dispatcher)
	defer func() {
		cleaned := engines.CleanupAll()
		if cleaned > 0 {
			logger.Printf("engines cleaned on shutdown count=%d", cleaned)
		}
	}()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, bridges, breakers)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}
