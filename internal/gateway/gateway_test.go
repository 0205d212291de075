package gateway

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/balancer"
	"github.com/agentfabric/fabric/internal/breaker"
	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/router"
	"github.com/agentfabric/fabric/internal/store"
)

// newTestServer wires a Server against a real temp-file BoltDB store and a
// fake clock, mirroring the registry/router packages' own test helpers
// rather than mocking every collaborator.
func newTestServer(t *testing.T) (*Server, *store.Store, *clock.Fake) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := config.NewTestConfig()
	cfg.GatewayPathPrefix = "/api/v1"
	cfg.APIKeyHeader = "X-API-Key"

	q := queue.New(queue.Config{MaxSize: 1000, RetryDelay: time.Minute}, s, events.New[events.DeliveryEvent](), fake, discardLogger())
	reg := registry.New(registry.Config{}, s, events.New[events.ServiceEvent](), fake, discardLogger())
	breakers := breaker.NewManager(breaker.DefaultConfig(), fake)
	lb := balancer.New(balancer.Config{Algorithm: balancer.HealthWeighted}, fake)
	limiter := ratelimit.New(ratelimit.Config{Strategy: ratelimit.TokenBucket, DefaultLimit: 1000}, fake)
	dir := router.NewDirectory(fake, s)
	rt := router.New(router.Config{}, dir, fake)

	srv := NewServer(Dependencies{
		Queue:     q,
		Registry:  reg,
		Breakers:  breakers,
		Balancer:  lb,
		RateLimit: limiter,
		Router:    rt,
		Directory: dir,
		APIKeys:   s,
		Store:     s,
		Bus:       events.New[events.GatewayEvent](),
		Config:    cfg,
		Clock:     fake,
		Log:       discardLogger(),
	})
	return srv, s, fake
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
