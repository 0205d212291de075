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

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/logging"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/store"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("fabric " + versionString())
	fmt.Println("=============================================")
	fmt.Printf("FABRIC_GATEWAY_ADDR=%s\n", cfg.GatewayAddr)
	fmt.Printf("FABRIC_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("FABRIC_AUTH_REQUIRED=%t\n", cfg.AuthRequired())
	fmt.Printf("FABRIC_LB_ALGORITHM=%s\n", cfg.LBAlgorithm())
	fmt.Printf("FABRIC_RATE_LIMIT_STRATEGY=%s\n", cfg.RateLimitStrategy())

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	c := build(cfg, db, log.Logger, clk)

	// Startup order is leaves-first in reverse: C1 and C2's background
	// loops must be running before C7/C8 can route or proxy through them.
	c.queue.Run()
	defer c.queue.Stop()

	go c.registry.RunHealthChecks(ctx)
	go c.registry.StartCleanup(ctx, cfg.RegistryCleanupInterval())
	defer c.registry.Stop()

	if cfg.MetricsTextfilePath != "" {
		go runMetricsTextfileWriter(ctx, cfg, log.Logger)
	}

	go func() {
		if err := c.gateway.ListenAndServe(cfg.GatewayAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway server error", "error", err)
		}
	}()

	log.Info("fabric started", "version", version, "commit", commit, "addr", cfg.GatewayAddr)

	<-ctx.Done()
	log.Info("shutting down")

	// Shutdown is leaves-first: C8 stops accepting new work first, then
	// C7-C3 (stateless, nothing to stop explicitly), then C2, then C1.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := c.gateway.Shutdown(shutCtx); err != nil {
		log.Warn("gateway shutdown error", "error", err)
	}
	if c.mqtt != nil {
		c.mqtt.Close()
	}
}

// runMetricsTextfileWriter periodically dumps fabric_ metrics to
// cfg.MetricsTextfilePath for node_exporter's textfile collector, for
// deployments where Prometheus can't scrape the gateway's /metrics
// endpoint directly.
func runMetricsTextfileWriter(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	ticker := time.NewTicker(cfg.MetricsTextfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(cfg.MetricsTextfilePath); err != nil {
				log.Warn("failed to write metrics textfile", "error", err, "path", cfg.MetricsTextfilePath)
			}
		}
	}
}
