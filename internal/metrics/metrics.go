// Package metrics exposes the Prometheus collectors every fabric component
// registers against during startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// C1 -- durable queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_queue_depth",
		Help: "Current number of messages held per queue.",
	}, []string{"queue"})
	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_queue_enqueued_total",
		Help: "Total messages enqueued by priority.",
	}, []string{"queue", "priority"})
	QueueDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_queue_delivered_total",
		Help: "Total messages delivered to a consumer.",
	}, []string{"queue"})
	QueueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_queue_retries_total",
		Help: "Total redelivery attempts after a nack or timeout.",
	}, []string{"queue"})
	QueueDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_queue_dead_lettered_total",
		Help: "Total messages exhausting their retry budget.",
	}, []string{"queue"})
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_queue_wait_duration_seconds",
		Help:    "Time a message spent queued before first delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// C2 -- service registry.
	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_registry_services_total",
		Help: "Current number of registered services.",
	})
	RegistryRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_registrations_total",
		Help: "Total service registrations accepted.",
	})
	RegistryExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_expirations_total",
		Help: "Total services expired for missing a TTL heartbeat.",
	})
	RegistryHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_registry_health_checks_total",
		Help: "Total health probe outcomes by result.",
	}, []string{"result"})

	// C3 -- circuit breaker.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_breaker_state",
		Help: "Current breaker state (0=closed, 1=half_open, 2=open).",
	}, []string{"name"})
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_breaker_trips_total",
		Help: "Total transitions into the open state.",
	}, []string{"name"})
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_breaker_rejections_total",
		Help: "Total calls rejected while a breaker was open.",
	}, []string{"name"})

	// C4 -- load balancer.
	BalancerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_balancer_selections_total",
		Help: "Total backend selections by algorithm and target.",
	}, []string{"algorithm", "target"})
	BalancerNoHealthyBackend = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_balancer_no_healthy_backend_total",
		Help: "Total selection attempts with no healthy backend available.",
	}, []string{"pool"})

	// C5 -- rate limiter.
	RateLimitAllowed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_ratelimit_allowed_total",
		Help: "Total requests admitted by the rate limiter.",
	}, []string{"strategy"})
	RateLimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_ratelimit_rejected_total",
		Help: "Total requests rejected by the rate limiter.",
	}, []string{"strategy"})
	RateLimitThrottleLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_ratelimit_throttle_level",
		Help: "Current adaptive throttle level (0=none,1=light,2=moderate,3=heavy,4=blocked).",
	})

	// C6 -- authenticator.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_auth_attempts_total",
		Help: "Total authentication attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// C7 -- router/broker.
	RouterRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_router_routed_total",
		Help: "Total messages routed by matching rule.",
	}, []string{"rule"})
	RouterBroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_router_broadcast_fanout",
		Help:    "Number of recipients a broadcast expanded to.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// C8 -- HTTP gateway.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_gateway_requests_total",
		Help: "Total gateway requests by route and status class.",
	}, []string{"route", "status"})
	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_gateway_request_duration_seconds",
		Help:    "Gateway request handling duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	GatewayWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_gateway_ws_connections",
		Help: "Current number of open WebSocket connections.",
	})
	GatewaySSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_gateway_sse_subscribers",
		Help: "Current number of open SSE subscriptions.",
	})
)
