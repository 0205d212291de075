package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
)

const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultProbeTimeout        = 5 * time.Second
	defaultFailureThreshold    = 3
	defaultSuccessThreshold    = 1
)

// HealthCheckConfig configures the probe scheduler independently of the
// compiled defaults.
type HealthCheckConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	SuccessThreshold int
	ExpectedStatus   map[int]bool
}

func defaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:         defaultHealthCheckInterval,
		ProbeTimeout:     defaultProbeTimeout,
		FailureThreshold: defaultFailureThreshold,
		SuccessThreshold: defaultSuccessThreshold,
		ExpectedStatus:   map[int]bool{http.StatusOK: true},
	}
}

// healthProbe is a scheduler loop driving HTTP GET probes against every
// registration's health-check URL on a clock-driven tick.
type healthProbe struct {
	cfg    HealthCheckConfig
	client *http.Client
	clock  clock.Clock
	log    *slog.Logger

	stop chan struct{}
}

func newHealthProbe(cfg HealthCheckConfig, clk clock.Clock, log *slog.Logger) *healthProbe {
	if cfg.Interval <= 0 {
		cfg = defaultHealthCheckConfig()
	}
	return &healthProbe{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		clock:  clk,
		log:    log,
	}
}

// run drives the probe loop until ctx is cancelled or Stop is called,
// invoking probeFn for every registration that carries a health-check URL.
func (h *healthProbe) run(ctx context.Context, probeFn func(ctx context.Context)) {
	h.stop = make(chan struct{})
	for {
		select {
		case <-h.clock.After(h.cfg.Interval):
			probeFn(ctx)
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *healthProbe) Stop() {
	if h.stop != nil {
		close(h.stop)
	}
}

// probe performs a single HTTP GET against url and reports success per the
// configured expected-status set.
func (h *healthProbe) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if len(h.cfg.ExpectedStatus) == 0 {
		return resp.StatusCode == http.StatusOK
	}
	return h.cfg.ExpectedStatus[resp.StatusCode]
}
