package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"chaingate/internal/balancer"
	"chaingate/internal/cache"
	"chaingate/internal/config"
	"chaingate/internal/endpoints"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// ErrUnknownChain is returned for a chain missing from the configuration.
var ErrUnknownChain = errors.New("unknown chain")

// chainsCacheKey holds the chain listing in the medium tier.
const chainsCacheKey = "all_chains"

// Prober checks the endpoints of a newly registered chain.
type Prober interface {
	CheckChain(ctx context.Context, cb *balancer.ChainBalancers)
}

// ChainEndpoints are the combined configured and public endpoints of a chain.
type ChainEndpoints struct {
	API []endpoints.Endpoint `json:"api"`
	RPC []endpoints.Endpoint `json:"rpc"`
}

// For returns the endpoints of protocol.
func (ce ChainEndpoints) For(protocol endpoints.Protocol) []endpoints.Endpoint {
	if protocol == endpoints.ProtocolRPC {
		return ce.RPC
	}
	return ce.API
}

// ChainInfo summarizes one configured chain.
type ChainInfo struct {
	Name         string `json:"name"`
	ChainName    string `json:"chainName"`
	ChainID      string `json:"chainId,omitempty"`
	APIEndpoints int    `json:"apiEndpoints"`
	RPCEndpoints int    `json:"rpcEndpoints"`
}

// Gateway owns the process-wide state shared by request handlers: chain
// configuration, the public directory, the balancer registry and the cache.
type Gateway struct {
	config    *config.Config
	directory *endpoints.Directory
	balancers *balancer.Registry
	cache     *cache.Cache
	prober    Prober
	combined  *xsync.Map[string, ChainEndpoints]
}

// New creates a gateway. prober may be nil.
func New(cfg *config.Config, dir *endpoints.Directory, balancers *balancer.Registry, c *cache.Cache, prober Prober) *Gateway {
	if cfg == nil {
		cfg = &config.Config{Chains: map[string]config.Chain{}}
	}
	return &Gateway{
		config:    cfg,
		directory: dir,
		balancers: balancers,
		cache:     c,
		prober:    prober,
		combined:  xsync.NewMap[string, ChainEndpoints](),
	}
}

// Balancers returns the balancer registry.
func (g *Gateway) Balancers() *balancer.Registry { return g.balancers }

// Cache returns the tiered cache.
func (g *Gateway) Cache() *cache.Cache { return g.cache }

// resolve returns the configuration key and chain for name. Matching falls
// back to a case-insensitive comparison.
func (g *Gateway) resolve(name string) (string, config.Chain, error) {
	if chain, ok := g.config.GetChain(name); ok {
		return name, chain, nil
	}
	for key, chain := range g.config.Chains {
		if strings.EqualFold(key, name) {
			return key, chain, nil
		}
	}
	return "", config.Chain{}, fmt.Errorf("%w: %s", ErrUnknownChain, name)
}

// Endpoints returns the combined endpoints of chain.
func (g *Gateway) Endpoints(chain string) (ChainEndpoints, error) {
	key, cfg, err := g.resolve(chain)
	if err != nil {
		return ChainEndpoints{}, err
	}
	if ce, ok := g.combined.Load(key); ok {
		return ce, nil
	}
	ce := ChainEndpoints{
		API: endpoints.Combine(cfg.API, g.directory, cfg.Name, cfg.ChainID, endpoints.ProtocolAPI),
		RPC: endpoints.Combine(cfg.RPC, g.directory, cfg.Name, cfg.ChainID, endpoints.ProtocolRPC),
	}
	actual, _ := g.combined.LoadOrStore(key, ce)
	return actual, nil
}

// chain returns the balancers and endpoints of chain, registering and probing
// the chain on first use.
func (g *Gateway) chain(ctx context.Context, name string) (string, *balancer.ChainBalancers, ChainEndpoints, error) {
	key, _, err := g.resolve(name)
	if err != nil {
		return "", nil, ChainEndpoints{}, err
	}
	eps, err := g.Endpoints(key)
	if err != nil {
		return "", nil, ChainEndpoints{}, err
	}

	cb, created := g.balancers.Get(key)
	if created {
		cb.API.Tracker().Track(eps.API)
		cb.RPC.Tracker().Track(eps.RPC)
		log.Info().
			Str("chain", key).
			Int("api_endpoints", len(eps.API)).
			Int("rpc_endpoints", len(eps.RPC)).
			Msg("Created load balancers for chain")
		if g.prober != nil {
			go g.prober.CheckChain(context.WithoutCancel(ctx), cb)
		}
	}
	return key, cb, eps, nil
}

// REST fetches a REST path from chain.
func (g *Gateway) REST(ctx context.Context, chain, path string, opts Options) (json.RawMessage, error) {
	key, cb, eps, err := g.chain(ctx, chain)
	if err != nil {
		return nil, err
	}
	req := balancer.RESTRequest(path)
	return g.cached(ctx, "rest_"+key+"_"+path, opts, func(ctx context.Context) (json.RawMessage, error) {
		return cb.API.Fetch(ctx, eps.API, req, opts.MaxAttempts)
	})
}

// RPC calls an RPC method on chain.
func (g *Gateway) RPC(ctx context.Context, chain, method string, params map[string]string, opts Options) (json.RawMessage, error) {
	key, cb, eps, err := g.chain(ctx, chain)
	if err != nil {
		return nil, err
	}
	req := balancer.RPCRequest(method, params)
	return g.cached(ctx, "rpc_"+key+"_"+method+"_"+encodeParams(params), opts, func(ctx context.Context) (json.RawMessage, error) {
		return cb.RPC.Fetch(ctx, eps.RPC, req, opts.MaxAttempts)
	})
}

// Search runs an RPC search on chain, trying every query variant on each
// endpoint until one returns records.
func (g *Gateway) Search(ctx context.Context, chain, method string, params map[string]string, variants []map[string]string, opts Options) (json.RawMessage, error) {
	key, cb, eps, err := g.chain(ctx, chain)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(variants))
	for _, v := range variants {
		parts = append(parts, encodeParams(v))
	}
	cacheKey := "search_" + key + "_" + method + "_" + encodeParams(params) + "_" + strings.Join(parts, "|")

	req := balancer.RPCSearchRequest(method, params, variants)
	return g.cached(ctx, cacheKey, opts, func(ctx context.Context) (json.RawMessage, error) {
		return cb.RPC.Fetch(ctx, eps.RPC, req, opts.MaxAttempts)
	})
}

func (g *Gateway) cached(ctx context.Context, key string, opts Options, produce cache.Producer[json.RawMessage]) (json.RawMessage, error) {
	switch opts.Mode {
	case ModeNone:
		return produce(ctx)
	case ModeSmart:
		return cache.Smart(ctx, g.cache, key, opts.Tier, produce)
	default:
		return cache.Optimistic(ctx, g.cache, key, opts.Tier, produce)
	}
}

// Chains lists the configured chains. The listing is cached in the medium tier.
func (g *Gateway) Chains(ctx context.Context) ([]ChainInfo, error) {
	return cache.Smart(ctx, g.cache, chainsCacheKey, cache.TierMedium, func(context.Context) ([]ChainInfo, error) {
		names := g.config.ChainNames()
		out := make([]ChainInfo, 0, len(names))
		for _, name := range names {
			cfg, _ := g.config.GetChain(name)
			eps, err := g.Endpoints(name)
			if err != nil {
				return nil, err
			}
			out = append(out, ChainInfo{
				Name:         name,
				ChainName:    cfg.Name,
				ChainID:      cfg.ChainID,
				APIEndpoints: len(eps.API),
				RPCEndpoints: len(eps.RPC),
			})
		}
		return out, nil
	})
}

// ClearChain drops the balancers of chain so the next request starts from a
// clean tracker. It reports whether balancers existed.
func (g *Gateway) ClearChain(chain string) bool {
	key, _, err := g.resolve(chain)
	if err != nil {
		key = chain
	}
	cleared := g.balancers.Clear(key)
	if cleared {
		log.Info().Str("chain", key).Msg("Cleared load balancers")
	}
	return cleared
}

// encodeParams renders params as a sorted query string.
func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// RegisterAll creates the balancers of every configured chain and returns the
// chain names. Chains already registered are left untouched.
func (g *Gateway) RegisterAll(ctx context.Context) []string {
	names := g.config.ChainNames()
	for _, name := range names {
		if _, _, _, err := g.chain(ctx, name); err != nil {
			log.Warn().Err(err).Str("chain", name).Msg("Failed to register chain")
		}
	}
	return names
}
