package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chaingate/internal/endpoints"
	"chaingate/internal/helpers"
	"chaingate/internal/metrics"
	"chaingate/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	defaultRESTTimeout = 8 * time.Second
	defaultRPCTimeout  = 10 * time.Second
	maxBodyBytes       = 32 << 20
)

// RequestCounter records upstream usage per endpoint. It is satisfied by the status stores.
type RequestCounter interface {
	IncrementRequestCount(ctx context.Context, chain, endpoint, requestType string) error
}

// Options configure every balancer created by a Registry.
type Options struct {
	Thresholds    Thresholds
	MaxConcurrent int
	RESTTimeout   time.Duration
	RPCTimeout    time.Duration
	Client        *http.Client
	Counter       RequestCounter
	// BackOff produces the delay policy used once every endpoint has been tried.
	BackOff func() backoff.BackOff
}

// DefaultOptions returns the stock balancer settings.
func DefaultOptions() Options {
	return Options{
		Thresholds:    DefaultThresholds(),
		MaxConcurrent: DefaultMaxConcurrent,
		RESTTimeout:   defaultRESTTimeout,
		RPCTimeout:    defaultRPCTimeout,
	}
}

// RetryBackOff waits 200ms, doubling per retry up to 2s.
func RetryBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Balancer fetches from the endpoints of one chain and protocol.
type Balancer struct {
	chain    string
	protocol endpoints.Protocol
	tracker  *Tracker
	gate     *Gate
	client   *http.Client
	timeout  time.Duration
	counter  RequestCounter
	backOff  func() backoff.BackOff
}

// NewBalancer creates a balancer with its own tracker and gate.
func NewBalancer(chain string, protocol endpoints.Protocol, opts Options) *Balancer {
	timeout := opts.RESTTimeout
	if protocol == endpoints.ProtocolRPC {
		timeout = opts.RPCTimeout
	}
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	newBackOff := opts.BackOff
	if newBackOff == nil {
		newBackOff = RetryBackOff
	}

	return &Balancer{
		chain:    chain,
		protocol: protocol,
		tracker:  NewTracker(chain, protocol, opts.Thresholds),
		gate: newInstrumentedGate(opts.MaxConcurrent,
			metrics.GateInUse.WithLabelValues(chain, string(protocol)),
			metrics.GateWaiting.WithLabelValues(chain, string(protocol))),
		client:  client,
		timeout: timeout,
		counter: opts.Counter,
		backOff: newBackOff,
	}
}

// Chain returns the chain key.
func (b *Balancer) Chain() string { return b.chain }

// Protocol returns the protocol family.
func (b *Balancer) Protocol() endpoints.Protocol { return b.protocol }

// Tracker returns the balancer's health tracker.
func (b *Balancer) Tracker() *Tracker { return b.tracker }

// Gate returns the balancer's concurrency gate.
func (b *Balancer) Gate() *Gate { return b.gate }

// Fetch runs req against candidates until one attempt succeeds. maxAttempts
// counts endpoint visits; zero means one visit per endpoint and the value is
// capped at two visits per endpoint. Each visit tries every query variant of
// req unless the endpoint is rate limited or times out. Visits beyond the first
// pass wait for an exponential backoff.
func (b *Balancer) Fetch(ctx context.Context, candidates []endpoints.Endpoint, req Request, maxAttempts int) (json.RawMessage, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s %s: %w", b.chain, b.protocol, ErrNoEndpoints)
	}

	order := b.tracker.SelectOrder(candidates)
	visits := maxAttempts
	if visits <= 0 {
		visits = len(order)
	}
	visits = min(visits, 2*len(order))

	bo := b.backOff()
	var last Outcome
	attempts := 0
	notFoundOnly := true

	for visit := 0; visit < visits; visit++ {
		if visit >= len(order) {
			if err := sleepContext(ctx, bo.NextBackOff()); err != nil {
				return nil, b.exhausted(attempts, Outcome{Kind: OutcomeError, Err: err}, false)
			}
		}
		ep := order[visit%len(order)]

	variants:
		for variant := 0; variant < req.variantCount(); variant++ {
			outcome := b.attempt(ctx, ep, req, variant)
			attempts++
			if ctx.Err() != nil {
				return nil, b.exhausted(attempts, Outcome{Kind: OutcomeError, Err: ctx.Err()}, false)
			}

			switch outcome.Kind {
			case OutcomeOK:
				b.tracker.RecordSuccess(ep.Address)
				metrics.UpstreamFetchesTotal.WithLabelValues(b.chain, string(b.protocol), "success").Inc()
				return outcome.Body, nil
			case OutcomeNotFound:
				last = outcome
			case OutcomeRateLimited, OutcomeTimeout:
				last = outcome
				notFoundOnly = false
				b.tracker.RecordFailure(ep.Address, outcome)
				break variants
			default:
				last = outcome
				notFoundOnly = false
				b.tracker.RecordFailure(ep.Address, outcome)
			}
		}
	}

	return nil, b.exhausted(attempts, last, notFoundOnly)
}

func (b *Balancer) exhausted(attempts int, last Outcome, notFound bool) error {
	metrics.UpstreamFetchesTotal.WithLabelValues(b.chain, string(b.protocol), "exhausted").Inc()
	err := &FetchError{
		Chain:    b.chain,
		Protocol: b.protocol,
		Attempts: attempts,
		Last:     last,
		NotFound: notFound && attempts > 0,
	}
	log.Debug().Err(err).Str("chain", b.chain).Str("protocol", string(b.protocol)).Msg("Fetch exhausted")
	return err
}

// attempt performs one request while holding a gate slot.
func (b *Balancer) attempt(ctx context.Context, ep endpoints.Endpoint, req Request, variant int) Outcome {
	target, err := req.URL(ep.Address, variant)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}

	release, err := b.gate.Acquire(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	defer release()

	b.tracker.RecordRequest(ep.Address)

	attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	outcome := b.do(attemptCtx, target, req.RequirePath)
	metrics.UpstreamAttemptDuration.WithLabelValues(b.chain, string(b.protocol)).Observe(time.Since(start).Seconds())
	metrics.UpstreamAttemptsTotal.WithLabelValues(b.chain, string(b.protocol), outcome.Kind.String()).Inc()

	if b.counter != nil {
		if err := b.counter.IncrementRequestCount(ctx, store.Scope(b.chain, string(b.protocol)), helpers.RedactAPIKey(ep.Address), store.RequestTypeProxy); err != nil {
			log.Debug().Err(err).Str("chain", b.chain).Msg("Failed to increment request count")
		}
	}

	log.Debug().
		Str("chain", b.chain).
		Str("protocol", string(b.protocol)).
		Str("url", helpers.RedactAPIKey(target)).
		Str("outcome", outcome.Kind.String()).
		Dur("took", time.Since(start)).
		Msg("Upstream attempt")
	return outcome
}

func (b *Balancer) do(ctx context.Context, target, requirePath string) Outcome {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classifyError(err)
	}
	return classifyResponse(resp.StatusCode, body, requirePath)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
