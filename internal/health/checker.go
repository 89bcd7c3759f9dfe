package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chaingate/internal/balancer"
	"chaingate/internal/endpoints"
	"chaingate/internal/helpers"
	"chaingate/internal/metrics"
	"chaingate/internal/store"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	// RESTProbePath is requested on REST endpoints.
	RESTProbePath = "/cosmos/base/tendermint/v1beta1/node_info"
	// RPCProbePath is requested on RPC endpoints.
	RPCProbePath = "/status"

	defaultInterval    = 2 * time.Minute
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 20
)

// ProbeResult is the outcome of probing one endpoint.
type ProbeResult struct {
	Latency   time.Duration
	Reachable bool
	Status    int
	Err       error
}

// Options configure a Checker.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
	// Store receives a copy of every probe result. Optional.
	Store store.StatusStore
}

// Checker probes every endpoint known to a balancer registry and feeds the
// latency into the trackers.
type Checker struct {
	registry *balancer.Registry
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	store    store.StatusStore
	pool     pond.Pool
	ready    atomic.Bool

	// For testability: allow patching the probe
	ProbeFunc func(ctx context.Context, protocol endpoints.Protocol, ep endpoints.Endpoint) ProbeResult
}

// NewChecker creates a health checker over registry.
func NewChecker(registry *balancer.Registry, opts Options) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	c := &Checker{
		registry: registry,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		client:   opts.Client,
		store:    opts.Store,
		pool:     pond.NewPool(opts.Concurrency),
	}
	c.ProbeFunc = c.probe
	return c
}

// Start runs a health round immediately, marks the checker ready, then repeats
// every interval until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce probes every registered chain and waits for the round to finish.
func (c *Checker) RunOnce(ctx context.Context) {
	start := time.Now()
	group := c.pool.NewGroup()
	probes := 0
	c.registry.Range(func(chain string, cb *balancer.ChainBalancers) bool {
		probes += c.submitChain(ctx, group, cb)
		return true
	})
	_ = group.Wait()

	if c.ready.CompareAndSwap(false, true) {
		log.Info().Int("probes", probes).Dur("took", time.Since(start)).Msg("Initial health check round complete")
	} else {
		log.Debug().Int("probes", probes).Dur("took", time.Since(start)).Msg("Health check round complete")
	}
}

// CheckChain probes the endpoints of one chain and waits for the results.
func (c *Checker) CheckChain(ctx context.Context, cb *balancer.ChainBalancers) {
	group := c.pool.NewGroup()
	c.submitChain(ctx, group, cb)
	_ = group.Wait()
}

func (c *Checker) submitChain(ctx context.Context, group pond.TaskGroup, cb *balancer.ChainBalancers) int {
	submitted := 0
	for _, b := range []*balancer.Balancer{cb.API, cb.RPC} {
		for _, ep := range b.Tracker().Endpoints() {
			group.Submit(func() {
				select {
				case <-ctx.Done():
				default:
					c.checkEndpoint(ctx, b, ep)
				}
			})
			submitted++
		}
	}
	return submitted
}

// IsReady reports whether the first health round has completed.
func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

// Stop waits for running probes and releases the worker pool.
func (c *Checker) Stop() {
	c.pool.StopAndWait()
}

func (c *Checker) checkEndpoint(ctx context.Context, b *balancer.Balancer, ep endpoints.Endpoint) {
	chain, protocol := b.Chain(), string(b.Protocol())
	redacted := helpers.RedactAPIKey(ep.Address)

	timer := prometheus.NewTimer(metrics.HealthCheckDuration.WithLabelValues(chain, protocol))
	result := c.ProbeFunc(ctx, b.Protocol(), ep)
	timer.ObserveDuration()

	b.Tracker().RecordProbe(ep.Address, result.Latency, result.Reachable)

	if result.Reachable {
		metrics.HealthCheckTotal.WithLabelValues(chain, protocol, "success").Inc()
		metrics.EndpointHealthStatus.WithLabelValues(chain, protocol, redacted).Set(1)
		metrics.EndpointLatency.WithLabelValues(chain, protocol, redacted).Set(result.Latency.Seconds())
		log.Debug().
			Str("chain", chain).
			Str("protocol", protocol).
			Str("endpoint", redacted).
			Dur("latency", result.Latency).
			Msg("Health check passed")
	} else {
		metrics.HealthCheckTotal.WithLabelValues(chain, protocol, "failure").Inc()
		metrics.EndpointHealthStatus.WithLabelValues(chain, protocol, redacted).Set(0)
		metrics.EndpointLatency.DeleteLabelValues(chain, protocol, redacted)
		log.Warn().
			Err(result.Err).
			Str("chain", chain).
			Str("protocol", protocol).
			Str("endpoint", redacted).
			Int("status_code", result.Status).
			Msg("Health check failed")
	}

	c.mirror(ctx, b, ep, result)
}

// mirror copies the probe result into the status store, if one is configured.
func (c *Checker) mirror(ctx context.Context, b *balancer.Balancer, ep endpoints.Endpoint, result ProbeResult) {
	if c.store == nil {
		return
	}
	scope := store.Scope(b.Chain(), string(b.Protocol()))
	redacted := helpers.RedactAPIKey(ep.Address)

	if err := c.store.IncrementRequestCount(ctx, scope, redacted, store.RequestTypeHealth); err != nil {
		log.Error().Err(err).Msg("Failed to increment health request count")
	}

	status := store.NewEndpointStatus()
	status.Provider = ep.Provider
	status.Reachable = result.Reachable
	status.Failures = b.Tracker().Failures(ep.Address)
	if result.Reachable {
		status.LatencyMs = result.Latency.Milliseconds()
	}
	if r24h, r1m, rAll, err := c.store.GetCombinedRequestCounts(ctx, scope, redacted); err == nil {
		status.Requests24h = r24h
		status.Requests1Month = r1m
		status.RequestsLifetime = rAll
	}

	if err := c.store.UpdateEndpointStatus(ctx, scope, redacted, status); err != nil {
		log.Error().Err(err).
			Str("chain", b.Chain()).
			Str("protocol", string(b.Protocol())).
			Str("endpoint", redacted).
			Msg("Failed to update endpoint status")
	}
}

// ProbePath returns the path requested when probing an endpoint of protocol.
func ProbePath(protocol endpoints.Protocol) string {
	if protocol == endpoints.ProtocolRPC {
		return RPCProbePath
	}
	return RESTProbePath
}

// probe issues a GET to the protocol's probe path. Any 2xx counts as reachable.
func (c *Checker) probe(ctx context.Context, protocol endpoints.Protocol, ep endpoints.Endpoint) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := strings.TrimRight(ep.Address, "/") + ProbePath(protocol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeResult{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	latency := time.Since(start)

	return ProbeResult{
		Latency:   latency,
		Reachable: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:    resp.StatusCode,
	}
}
