package main

import (
	"log/slog"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/balancer"
	"github.com/agentfabric/fabric/internal/breaker"
	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/gateway"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/router"
	"github.com/agentfabric/fabric/internal/store"
)

// components bundles every constructed piece so main can start/stop them in
// the order spec.md §5 prescribes without reconstructing wiring logic at
// each call site.
type components struct {
	db        *store.Store
	queue     *queue.Queue
	registry  *registry.Registry
	breakers  *breaker.Manager
	balancer  *balancer.Balancer
	limiter   *ratelimit.Limiter
	directory *router.Directory
	router    *router.Router
	gateway   *gateway.Server
	mqtt      *queue.MQTTTransport
}

// build constructs every component in dependency order (C1, C2, C3-C5, C7,
// C6, C8), wiring each into the next the way spec.md §9's "explicit context,
// no singletons" design note requires: every collaborator is constructed
// here and passed down, never reached for via a package-level global.
func build(cfg *config.Config, db *store.Store, log *slog.Logger, clk clock.Clock) *components {
	deliveryBus := events.New[events.DeliveryEvent]()
	serviceBus := events.New[events.ServiceEvent]()
	gatewayBus := events.New[events.GatewayEvent]()

	q := queue.New(queue.Config{
		MaxSize:    cfg.QueueMaxSize(),
		RetryDelay: cfg.QueueRetryDelay(),
	}, db, deliveryBus, clk, log)

	reg := registry.New(registry.Config{
		DefaultTTL:  cfg.RegistryTTL(),
		CleanupTick: cfg.RegistryCleanupInterval(),
		HealthCheck: registry.HealthCheckConfig{
			Interval: cfg.RegistryHealthCheckInterval(),
		},
	}, db, serviceBus, clk, log)

	breakers := breaker.NewManager(breaker.DefaultConfig(), clk)

	lb := balancer.New(balancer.Config{
		Algorithm:               balancer.Algorithm(strings.ReplaceAll(cfg.LBAlgorithm(), "-", "_")),
		CircuitBreakerThreshold: cfg.LBCircuitBreakerThreshold(),
		CircuitBreakerTimeout:   cfg.LBCircuitBreakerTimeout(),
		StickySessions:          cfg.LBStickySessions(),
	}, clk)

	limiter := ratelimit.New(ratelimit.Config{
		Strategy:       ratelimit.Strategy(cfg.RateLimitStrategy()),
		DefaultLimit:   cfg.RateLimitDefault(),
		WindowSize:     cfg.RateLimitWindow(),
		EnableAdaptive: cfg.RateLimitAdaptive(),
	}, clk)

	directory := router.NewDirectory(clk, db)
	rt := router.New(router.Config{}, directory, clk)

	var bearer *authn.BearerVerifier
	if cfg.BearerSigningKey != "" {
		bearer = authn.NewBearerVerifier(cfg.BearerSigningKey)
	}

	authRequired := cfg.AuthRequired()
	admin := authn.NewService(authn.ServiceConfig{
		Users:          db,
		Sessions:       db,
		Roles:          db,
		Tokens:         db,
		Settings:       db,
		WebAuthnCreds:  db,
		PendingTOTP:    db,
		Log:            log,
		CookieSecure:   cfg.CookieSecure,
		SessionExpiry:  cfg.SessionExpiry,
		AuthEnabledEnv: &authRequired,
	})
	if err := db.SeedBuiltinRoles(); err != nil && log != nil {
		log.Warn("failed to seed builtin operator roles", "error", err)
	}

	var wa *webauthn.WebAuthn
	if cfg.WebAuthnEnabled() {
		var buildErr error
		wa, buildErr = webauthn.New(&webauthn.Config{
			RPID:          cfg.WebAuthnRPID,
			RPDisplayName: cfg.WebAuthnDisplayName,
			RPOrigins:     cfg.WebAuthnOriginList(),
		})
		if buildErr != nil {
			log.Error("failed to configure webauthn, passkeys disabled", "error", buildErr)
			wa = nil
		}
	}

	var mqttTransport *queue.MQTTTransport
	if cfg.MQTTPushEnabled() {
		var mqttErr error
		mqttTransport, mqttErr = queue.NewMQTTTransport(queue.MQTTSettings{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      cfg.MQTTQoS,
		}, q, log)
		if mqttErr != nil {
			log.Error("failed to connect mqtt push transport, disabling", "error", mqttErr)
			mqttTransport = nil
		}
	}

	gw := gateway.NewServer(gateway.Dependencies{
		Queue:     q,
		Registry:  reg,
		Breakers:  breakers,
		Balancer:  lb,
		RateLimit: limiter,
		Router:    rt,
		Directory: directory,
		Bearer:    bearer,
		APIKeys:   db,
		Admin:     admin,
		WebAuthn:  wa,
		MQTT:      mqttTransport,
		Store:     db,
		Bus:       gatewayBus,
		Config:    cfg,
		Clock:     clk,
		Log:       log,
	})

	return &components{
		db: db, queue: q, registry: reg, breakers: breakers,
		balancer: lb, limiter: limiter, directory: directory, router: rt,
		gateway: gw, mqtt: mqttTransport,
	}
}
