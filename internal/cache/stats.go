package cache

import "fmt"

// TierStats are the counters of one tier.
type TierStats struct {
	Keys       int     `json:"keys"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Coalesced  int64   `json:"coalesced"`
	TTLSeconds float64 `json:"ttlSeconds"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Instant  TierStats `json:"instant"`
	Short    TierStats `json:"short"`
	Medium   TierStats `json:"medium"`
	Long     TierStats `json:"long"`
	Inflight int       `json:"inflight"`
}

// Tier returns the stats of tier t.
func (s Stats) Tier(t Tier) TierStats {
	switch t {
	case TierInstant:
		return s.Instant
	case TierShort:
		return s.Short
	case TierMedium:
		return s.Medium
	default:
		return s.Long
	}
}

// Summary totals the stats across tiers. Coalesced lookups count as hits.
type Summary struct {
	TotalKeys        int    `json:"totalKeys"`
	TotalHits        int64  `json:"totalHits"`
	TotalMisses      int64  `json:"totalMisses"`
	HitRate          string `json:"hitRate"`
	InflightRequests int    `json:"inflightRequests"`
}

// Summary returns the totals of s.
func (s Stats) Summary() Summary {
	var sum Summary
	for _, t := range Tiers {
		ts := s.Tier(t)
		sum.TotalKeys += ts.Keys
		sum.TotalHits += ts.Hits + ts.Coalesced
		sum.TotalMisses += ts.Misses
	}
	sum.InflightRequests = s.Inflight

	rate := 0.0
	if total := sum.TotalHits + sum.TotalMisses; total > 0 {
		rate = float64(sum.TotalHits) / float64(total) * 100
	}
	sum.HitRate = fmt.Sprintf("%.2f%%", rate)
	return sum
}

// Stats returns the current counters. Expired entries are purged first so
// key counts only include live entries.
func (c *Cache) Stats() Stats {
	view := func(t Tier) TierStats {
		s := c.tiers[t]
		s.items.DeleteExpired()
		return TierStats{
			Keys:       s.items.Len(),
			Hits:       s.hits.Load(),
			Misses:     s.misses.Load(),
			Coalesced:  s.coalesced.Load(),
			TTLSeconds: s.ttl.Seconds(),
		}
	}
	return Stats{
		Instant:  view(TierInstant),
		Short:    view(TierShort),
		Medium:   view(TierMedium),
		Long:     view(TierLong),
		Inflight: c.inflightCount(),
	}
}
