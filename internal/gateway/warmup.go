package gateway

import (
	"context"

	"chaingate/internal/balancer"
	"chaingate/internal/cache"

	"github.com/rs/zerolog/log"
)

// Warm-up requests issued for every chain.
const (
	warmupValidatorsPath = "/cosmos/staking/v1beta1/validators?status=BOND_STATUS_BONDED"
	warmupBlocksMethod   = "blockchain"
	warmupStatusMethod   = "status"
)

// Warmup prefetches the latest blocks, the bonded validator set and the node
// status of chain. It returns how many prefetches were scheduled.
func (g *Gateway) Warmup(ctx context.Context, chain string) (int, error) {
	key, cb, eps, err := g.chain(ctx, chain)
	if err != nil {
		return 0, err
	}

	items := []cache.PrefetchItem{
		{
			Key:  "blocks_" + key,
			Tier: cache.TierInstant,
			Producer: func(ctx context.Context) (any, error) {
				return cb.RPC.Fetch(ctx, eps.RPC, balancer.RPCRequest(warmupBlocksMethod, nil), 0)
			},
		},
		{
			Key:  "validators_" + key,
			Tier: cache.TierMedium,
			Producer: func(ctx context.Context) (any, error) {
				return cb.API.Fetch(ctx, eps.API, balancer.RESTRequest(warmupValidatorsPath), 0)
			},
		},
		{
			Key:  "network_" + key,
			Tier: cache.TierInstant,
			Producer: func(ctx context.Context) (any, error) {
				return cb.RPC.Fetch(ctx, eps.RPC, balancer.RPCRequest(warmupStatusMethod, nil), 0)
			},
		},
	}

	scheduled := g.cache.BatchPrefetch(ctx, items)
	log.Info().Str("chain", key).Int("scheduled", scheduled).Msg("Cache warm-up started")
	return scheduled, nil
}

// WarmupAll warms every configured chain. Chains that fail are logged and skipped.
func (g *Gateway) WarmupAll(ctx context.Context) int {
	total := 0
	for _, name := range g.config.ChainNames() {
		n, err := g.Warmup(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("chain", name).Msg("Cache warm-up failed")
			continue
		}
		total += n
	}
	return total
}
