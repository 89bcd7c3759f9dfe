package endpoints

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Combine merges the configured endpoints of a chain with the public fallback endpoints
// from dir. Configured endpoints keep their order and come first. A public endpoint is
// skipped when its address contains, or is contained in, an address already present
// (case-insensitive).
func Combine(configured []Endpoint, dir *Directory, chainName, chainID string, protocol Protocol) []Endpoint {
	combined := make([]Endpoint, 0, len(configured))
	combined = append(combined, configured...)

	public := dir.Lookup(chainName, chainID, protocol)
	for _, pub := range public {
		if containsAddress(combined, pub.Address) {
			continue
		}
		combined = append(combined, Endpoint{
			Address:  pub.Address,
			Provider: pub.Provider + " (Public)",
		})
	}

	log.Debug().
		Str("chain", chainName).
		Str("protocol", string(protocol)).
		Int("configured", len(configured)).
		Int("public", len(public)).
		Int("total", len(combined)).
		Msg("Combined endpoints")
	return combined
}

func containsAddress(list []Endpoint, address string) bool {
	candidate := strings.ToLower(address)
	for _, ep := range list {
		existing := strings.ToLower(ep.Address)
		if existing == "" {
			continue
		}
		if strings.Contains(existing, candidate) || strings.Contains(candidate, existing) {
			return true
		}
	}
	return false
}
