package gateway

import (
	"fmt"
	"strings"

	"chaingate/internal/cache"
)

// Mode selects how a request uses the cache.
type Mode string

const (
	// ModeOptimistic serves cached data and refreshes it in the background.
	ModeOptimistic Mode = "optimistic"
	// ModeSmart serves fresh cached data only and coalesces concurrent fetches.
	ModeSmart Mode = "smart"
	// ModeNone bypasses the cache.
	ModeNone Mode = "none"
)

// ParseMode maps a mode name to its Mode. An empty name is ModeOptimistic.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeOptimistic:
		return ModeOptimistic, nil
	case ModeSmart:
		return ModeSmart, nil
	case ModeNone:
		return ModeNone, nil
	default:
		return "", fmt.Errorf("unknown cache mode %q", s)
	}
}

// Options control caching and retries for one request.
type Options struct {
	Mode Mode
	Tier cache.Tier
	// MaxAttempts is the number of endpoint visits. Zero visits every endpoint once.
	MaxAttempts int
}

// DefaultOptions returns optimistic caching in the short tier.
func DefaultOptions() Options {
	return Options{Mode: ModeOptimistic, Tier: cache.TierShort}
}
