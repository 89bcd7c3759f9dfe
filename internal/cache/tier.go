package cache

import (
	"fmt"
	"strings"
	"time"
)

// Tier selects one of the four stores, distinguished by default TTL.
type Tier int

const (
	TierInstant Tier = iota
	TierShort
	TierMedium
	TierLong

	tierCount = 4
)

// Tiers lists every tier from shortest to longest TTL.
var Tiers = [tierCount]Tier{TierInstant, TierShort, TierMedium, TierLong}

func (t Tier) String() string {
	switch t {
	case TierInstant:
		return "instant"
	case TierShort:
		return "short"
	case TierMedium:
		return "medium"
	case TierLong:
		return "long"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) valid() bool {
	return t >= TierInstant && t <= TierLong
}

// ParseTier maps a tier name to its Tier. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cache tier %q", s)
}

// TTLs holds the default TTL of each tier.
type TTLs struct {
	Instant time.Duration
	Short   time.Duration
	Medium  time.Duration
	Long    time.Duration
}

// DefaultTTLs returns 5s, 30s, 5m and 1h.
func DefaultTTLs() TTLs {
	return TTLs{
		Instant: 5 * time.Second,
		Short:   30 * time.Second,
		Medium:  5 * time.Minute,
		Long:    time.Hour,
	}
}

// For returns the TTL of tier t, falling back to the default when unset.
func (d TTLs) For(t Tier) time.Duration {
	def := DefaultTTLs()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}
	switch t {
	case TierInstant:
		return pick(d.Instant, def.Instant)
	case TierShort:
		return pick(d.Short, def.Short)
	case TierMedium:
		return pick(d.Medium, def.Medium)
	default:
		return pick(d.Long, def.Long)
	}
}
