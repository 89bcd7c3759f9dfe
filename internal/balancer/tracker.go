package balancer

import (
	"sort"
	"sync"
	"time"

	"chaingate/internal/endpoints"
	"chaingate/internal/helpers"
	"chaingate/internal/metrics"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// topCandidates is the number of fastest endpoints that share load round-robin.
const topCandidates = 3

// Thresholds tune endpoint exclusion. A zero MaxFailures or RateLimitMax disables that filter.
type Thresholds struct {
	MaxFailures     int
	FailureCooldown time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// DefaultThresholds returns the stock exclusion settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailures:     5,
		FailureCooldown: 30 * time.Second,
		RateLimitWindow: 10 * time.Second,
		RateLimitMax:    100,
	}
}

type endpointState struct {
	endpoints.Endpoint
	failures      int
	lastFailureAt time.Time
	samples       []time.Time
	latency       time.Duration // zero until a probe succeeds
	reachable     bool
	probedAt      time.Time
}

// Tracker keeps health and selection state for the endpoints of one chain and protocol.
type Tracker struct {
	chain    string
	protocol endpoints.Protocol
	limits   Thresholds
	now      func() time.Time

	mu       sync.Mutex
	states   map[string]*endpointState
	order    []string
	cursor   int
	lastGood string

	fallbackLog rate.Sometimes
}

// NewTracker creates an empty tracker.
func NewTracker(chain string, protocol endpoints.Protocol, limits Thresholds) *Tracker {
	return &Tracker{
		chain:       chain,
		protocol:    protocol,
		limits:      limits,
		now:         time.Now,
		states:      make(map[string]*endpointState),
		fallbackLog: rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Track registers endpoints without changing the state of known ones.
func (t *Tracker) Track(eps []endpoints.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(eps)
}

func (t *Tracker) trackLocked(eps []endpoints.Endpoint) {
	for _, ep := range eps {
		if st, ok := t.states[ep.Address]; ok {
			if st.Provider == "" {
				st.Provider = ep.Provider
			}
			continue
		}
		t.states[ep.Address] = &endpointState{Endpoint: ep}
		t.order = append(t.order, ep.Address)
	}
}

// Endpoints returns every endpoint the tracker knows, in registration order.
func (t *Tracker) Endpoints() []endpoints.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]endpoints.Endpoint, 0, len(t.order))
	for _, addr := range t.order {
		out = append(out, t.states[addr].Endpoint)
	}
	return out
}

// SelectOrder returns the order in which candidates should be tried. Endpoints
// over the failure threshold (until their cooldown elapses) and endpoints over
// the rate-limit window are dropped, the rest are ranked by probe latency with
// the fastest three rotated round-robin. When nothing survives the filters,
// every candidate is returned sorted by ascending failure count.
func (t *Tracker) SelectOrder(candidates []endpoints.Endpoint) []endpoints.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trackLocked(candidates)
	now := t.now()

	seen := make(map[string]struct{}, len(candidates))
	all := make([]*endpointState, 0, len(candidates))
	usable := make([]*endpointState, 0, len(candidates))
	for _, ep := range candidates {
		if _, dup := seen[ep.Address]; dup {
			continue
		}
		seen[ep.Address] = struct{}{}
		st := t.states[ep.Address]
		all = append(all, st)

		if t.excludedLocked(st, now) {
			continue
		}
		usable = append(usable, st)
	}

	if len(usable) == 0 {
		sort.SliceStable(all, func(i, j int) bool { return all[i].failures < all[j].failures })
		t.fallbackLog.Do(func() {
			log.Warn().
				Str("chain", t.chain).
				Str("protocol", string(t.protocol)).
				Int("endpoints", len(all)).
				Msg("All endpoints excluded, falling back to least failed")
		})
		return toEndpoints(all)
	}

	sort.SliceStable(usable, func(i, j int) bool { return fasterThan(usable[i], usable[j]) })

	if t.lastGood != "" && !anyLatencyKnown(usable) {
		for i, st := range usable {
			if st.Address == t.lastGood {
				copy(usable[1:i+1], usable[:i])
				usable[0] = st
				return toEndpoints(usable)
			}
		}
	}

	k := min(topCandidates, len(usable))
	shift := t.cursor % k
	t.cursor++
	rotated := make([]*endpointState, 0, len(usable))
	rotated = append(rotated, usable[shift:k]...)
	rotated = append(rotated, usable[:shift]...)
	rotated = append(rotated, usable[k:]...)
	return toEndpoints(rotated)
}

// excludedLocked applies the failure and rate-limit filters. An endpoint whose
// cooldown has elapsed has its failures reset here.
func (t *Tracker) excludedLocked(st *endpointState, now time.Time) bool {
	if t.limits.MaxFailures > 0 && st.failures >= t.limits.MaxFailures {
		if now.Sub(st.lastFailureAt) < t.limits.FailureCooldown {
			return true
		}
		log.Info().
			Str("chain", t.chain).
			Str("protocol", string(t.protocol)).
			Str("endpoint", helpers.RedactAPIKey(st.Address)).
			Int("failures", st.failures).
			Msg("Failure cooldown elapsed, endpoint back in rotation")
		st.failures = 0
		t.reportFailures(st)
	}
	return t.limits.RateLimitMax > 0 && t.pruneLocked(st, now) >= t.limits.RateLimitMax
}

// pruneLocked drops samples older than the window and returns how many remain.
func (t *Tracker) pruneLocked(st *endpointState, now time.Time) int {
	cutoff := now.Add(-t.limits.RateLimitWindow)
	i := 0
	for i < len(st.samples) && !st.samples[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.samples = append(st.samples[:0], st.samples[i:]...)
	}
	return len(st.samples)
}

func fasterThan(a, b *endpointState) bool {
	switch {
	case a.latency == 0:
		return false
	case b.latency == 0:
		return true
	default:
		return a.latency < b.latency
	}
}

func anyLatencyKnown(states []*endpointState) bool {
	for _, st := range states {
		if st.latency > 0 {
			return true
		}
	}
	return false
}

func toEndpoints(states []*endpointState) []endpoints.Endpoint {
	out := make([]endpoints.Endpoint, len(states))
	for i, st := range states {
		out[i] = st.Endpoint
	}
	return out
}

func (t *Tracker) stateLocked(address string) *endpointState {
	st, ok := t.states[address]
	if !ok {
		st = &endpointState{Endpoint: endpoints.Endpoint{Address: address}}
		t.states[address] = st
		t.order = append(t.order, address)
	}
	return st
}

// RecordSuccess clears the failure count and makes address the sticky endpoint.
func (t *Tracker) RecordSuccess(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(address)
	st.failures = 0
	t.lastGood = address
	t.reportFailures(st)
}

// RecordFailure counts a failed attempt. Rate limits and timeouts are counted
// like any other failure, only the log line differs.
func (t *Tracker) RecordFailure(address string, outcome Outcome) {
	t.mu.Lock()
	st := t.stateLocked(address)
	st.failures++
	st.lastFailureAt = t.now()
	failures := st.failures
	t.reportFailures(st)
	t.mu.Unlock()

	event := log.Warn()
	if !outcome.Transient() {
		event = log.Error().Int("status", outcome.Status)
	}
	event.
		Err(outcome.Err).
		Str("chain", t.chain).
		Str("protocol", string(t.protocol)).
		Str("endpoint", helpers.RedactAPIKey(address)).
		Str("outcome", outcome.Kind.String()).
		Int("failures", failures).
		Msg("Upstream attempt failed")
}

// RecordRequest adds a sample to the endpoint's rate-limit window.
func (t *Tracker) RecordRequest(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(address)
	now := t.now()
	t.pruneLocked(st, now)
	st.samples = append(st.samples, now)
}

// RecordProbe stores the result of a health probe. An unreachable endpoint
// loses its latency and ranks last until a probe succeeds again.
func (t *Tracker) RecordProbe(address string, latency time.Duration, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(address)
	st.probedAt = t.now()
	st.reachable = reachable
	if reachable {
		st.latency = max(latency, time.Microsecond)
	} else {
		st.latency = 0
	}
}

func (t *Tracker) reportFailures(st *endpointState) {
	metrics.EndpointFailures.
		WithLabelValues(t.chain, string(t.protocol), helpers.RedactAPIKey(st.Address)).
		Set(float64(st.failures))
}

// EndpointStats is a read-only view of one endpoint's state.
type EndpointStats struct {
	Address          string     `json:"address"`
	Provider         string     `json:"provider,omitempty"`
	Failures         int        `json:"failures"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	RequestsInWindow int        `json:"requestsInWindow"`
	LatencyMs        int64      `json:"latencyMs"`
	Reachable        bool       `json:"reachable"`
	LastProbeAt      *time.Time `json:"lastProbeAt,omitempty"`
	Excluded         bool       `json:"excluded"`
	Sticky           bool       `json:"sticky"`
}

// Snapshot returns the state of every tracked endpoint. Addresses are redacted.
// LatencyMs is -1 while latency is unknown.
func (t *Tracker) Snapshot() []EndpointStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]EndpointStats, 0, len(t.order))
	for _, addr := range t.order {
		st := t.states[addr]
		inWindow := t.pruneLocked(st, now)
		stats := EndpointStats{
			Address:          helpers.RedactAPIKey(st.Address),
			Provider:         st.Provider,
			Failures:         st.failures,
			RequestsInWindow: inWindow,
			LatencyMs:        -1,
			Reachable:        st.reachable,
			Excluded: (t.limits.MaxFailures > 0 && st.failures >= t.limits.MaxFailures && now.Sub(st.lastFailureAt) < t.limits.FailureCooldown) ||
				(t.limits.RateLimitMax > 0 && inWindow >= t.limits.RateLimitMax),
			Sticky: addr == t.lastGood,
		}
		if st.latency > 0 {
			stats.LatencyMs = st.latency.Milliseconds()
		}
		if !st.lastFailureAt.IsZero() {
			ts := st.lastFailureAt
			stats.LastFailureAt = &ts
		}
		if !st.probedAt.IsZero() {
			ts := st.probedAt
			stats.LastProbeAt = &ts
		}
		out = append(out, stats)
	}
	return out
}

// Failures returns the current failure count of address.
func (t *Tracker) Failures(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[address]; ok {
		return st.failures
	}
	return 0
}

// LastSuccessful returns the sticky endpoint address, if any.
func (t *Tracker) LastSuccessful() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastGood
}
