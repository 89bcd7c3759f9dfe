package balancer

import (
	"context"
	"encoding/json"

	"chaingate/internal/endpoints"
	"chaingate/internal/helpers"

	"github.com/puzpuzpuz/xsync/v4"
)

// ChainBalancers holds the REST and RPC balancers of one chain.
type ChainBalancers struct {
	Chain string
	API   *Balancer
	RPC   *Balancer
}

// For returns the balancer serving protocol.
func (cb *ChainBalancers) For(protocol endpoints.Protocol) *Balancer {
	if protocol == endpoints.ProtocolRPC {
		return cb.RPC
	}
	return cb.API
}

// Registry creates chain balancers lazily and keeps them until cleared.
type Registry struct {
	opts   Options
	chains *xsync.Map[string, *ChainBalancers]
}

// NewRegistry creates an empty registry whose balancers use opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts,
		chains: xsync.NewMap[string, *ChainBalancers](),
	}
}

// Get returns the balancers for chain, creating them on first use. created
// reports whether this call registered them.
func (r *Registry) Get(chain string) (cb *ChainBalancers, created bool) {
	if cb, ok := r.chains.Load(chain); ok {
		return cb, false
	}
	fresh := &ChainBalancers{
		Chain: chain,
		API:   NewBalancer(chain, endpoints.ProtocolAPI, r.opts),
		RPC:   NewBalancer(chain, endpoints.ProtocolRPC, r.opts),
	}
	actual, loaded := r.chains.LoadOrStore(chain, fresh)
	return actual, !loaded
}

// Lookup returns the balancers for chain without creating them.
func (r *Registry) Lookup(chain string) (*ChainBalancers, bool) {
	return r.chains.Load(chain)
}

// Clear drops the balancers of chain. The next Get starts from a clean state.
func (r *Registry) Clear(chain string) bool {
	if _, ok := r.chains.Load(chain); !ok {
		return false
	}
	r.chains.Delete(chain)
	return true
}

// Range calls fn for every registered chain until fn returns false.
func (r *Registry) Range(fn func(chain string, cb *ChainBalancers) bool) {
	r.chains.Range(fn)
}

// Len returns the number of registered chains.
func (r *Registry) Len() int {
	return r.chains.Size()
}

// BalancerStats summarizes one balancer.
type BalancerStats struct {
	Endpoints      []EndpointStats `json:"endpoints"`
	InUse          int             `json:"inUse"`
	Waiting        int             `json:"waiting"`
	MaxConcurrent  int             `json:"maxConcurrent"`
	LastSuccessful string          `json:"lastSuccessful,omitempty"`
}

// ChainStats groups the stats of a chain's two balancers.
type ChainStats struct {
	API BalancerStats `json:"api"`
	RPC BalancerStats `json:"rpc"`
}

// Stats returns a snapshot of every registered balancer keyed by chain.
func (r *Registry) Stats() map[string]ChainStats {
	out := make(map[string]ChainStats, r.chains.Size())
	r.chains.Range(func(chain string, cb *ChainBalancers) bool {
		out[chain] = ChainStats{API: cb.API.Stats(), RPC: cb.RPC.Stats()}
		return true
	})
	return out
}

// Stats returns a snapshot of the balancer.
func (b *Balancer) Stats() BalancerStats {
	stats := BalancerStats{
		Endpoints:     b.tracker.Snapshot(),
		InUse:         b.gate.InUse(),
		Waiting:       b.gate.Waiting(),
		MaxConcurrent: b.gate.Size(),
	}
	if last := b.tracker.LastSuccessful(); last != "" {
		stats.LastSuccessful = helpers.RedactAPIKey(last)
	}
	return stats
}

// FetchREST fetches a REST path for chain.
func (r *Registry) FetchREST(ctx context.Context, chain string, candidates []endpoints.Endpoint, path string, maxAttempts int) (json.RawMessage, error) {
	cb, _ := r.Get(chain)
	return cb.API.Fetch(ctx, candidates, RESTRequest(path), maxAttempts)
}

// FetchRPC calls an RPC method for chain.
func (r *Registry) FetchRPC(ctx context.Context, chain string, candidates []endpoints.Endpoint, method string, params map[string]string, maxAttempts int) (json.RawMessage, error) {
	cb, _ := r.Get(chain)
	return cb.RPC.Fetch(ctx, candidates, RPCRequest(method, params), maxAttempts)
}

// SearchRPC runs an RPC search for chain, trying each query variant on every endpoint.
func (r *Registry) SearchRPC(ctx context.Context, chain string, candidates []endpoints.Endpoint, method string, params map[string]string, variants []map[string]string, maxAttempts int) (json.RawMessage, error) {
	cb, _ := r.Get(chain)
	return cb.RPC.Fetch(ctx, candidates, RPCSearchRequest(method, params, variants), maxAttempts)
}
