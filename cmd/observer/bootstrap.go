package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reachsriharsha/daari-parent-sub000/config"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/pgsamples"
)

type observerApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	opts   observerOpts
}

func mustBootstrapObserver() *observerApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = os.Getenv("SWAGGER_PATH")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config, %v", err))
	}
	if swaggerPath == "" {
		swaggerPath = cfg.Observer.SwaggerPath
	}
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	grpcAddr := cfg.Observer.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.Observer.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &observerApp{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		opts: observerOpts{
			grpcAddr:    grpcAddr,
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgsamples.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgsamples.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *observerApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *observerApp) Run() error {
	return RunObserver(a.ctx, a.cfg, a.opts, defaultObserverFactories())
}
