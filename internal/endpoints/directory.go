package endpoints

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed public_endpoints.yaml
var defaultDirectoryYAML []byte

var networkSuffix = regexp.MustCompile(`-mainnet|-testnet|-test`)

// PublicEndpoint is a community endpoint listed in the public directory.
type PublicEndpoint struct {
	Address  string   `yaml:"address"`
	Provider string   `yaml:"provider"`
	Type     Protocol `yaml:"type"`
}

// Directory is a read-only map of chain identifiers to public fallback endpoints.
// Keys are matched case-insensitively.
type Directory struct {
	entries map[string][]PublicEndpoint
}

// NewDirectory builds a Directory from an in-memory map.
func NewDirectory(entries map[string][]PublicEndpoint) *Directory {
	d := &Directory{entries: make(map[string][]PublicEndpoint, len(entries))}
	for chain, list := range entries {
		key := strings.ToLower(chain)
		d.entries[key] = append(d.entries[key], list...)
	}
	return d
}

// ParseDirectory parses a YAML directory document.
func ParseDirectory(data []byte) (*Directory, error) {
	var raw map[string][]PublicEndpoint
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse public endpoint directory: %w", err)
	}
	for chain, list := range raw {
		for i, ep := range list {
			if ep.Address == "" {
				return nil, fmt.Errorf("public endpoint %s[%d]: missing address", chain, i)
			}
			protocol, err := ParseProtocol(string(ep.Type))
			if err != nil {
				return nil, fmt.Errorf("public endpoint %s[%d]: %w", chain, i, err)
			}
			list[i].Type = protocol
		}
	}
	return NewDirectory(raw), nil
}

// DefaultDirectory returns the directory compiled into the binary.
func DefaultDirectory() (*Directory, error) {
	return ParseDirectory(defaultDirectoryYAML)
}

// LoadDirectory reads a directory from path, or returns the built-in one when path is empty.
func LoadDirectory(path string) (*Directory, error) {
	if path == "" {
		return DefaultDirectory()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public endpoint directory: %w", err)
	}
	return ParseDirectory(data)
}

// Lookup returns the public endpoints of the given protocol for a chain. It tries the
// chain name, then the chain ID, then the chain name without a network suffix.
// The result may contain duplicates; Combine removes them.
func (d *Directory) Lookup(chainName, chainID string, protocol Protocol) []PublicEndpoint {
	if d == nil {
		return nil
	}
	var found []PublicEndpoint
	collect := func(key string) {
		for _, ep := range d.entries[strings.ToLower(key)] {
			if ep.Type == protocol {
				found = append(found, ep)
			}
		}
	}

	collect(chainName)
	if chainID != "" {
		collect(chainID)
	}
	if base := networkSuffix.ReplaceAllString(strings.ToLower(chainName), ""); base != strings.ToLower(chainName) {
		collect(base)
	}
	return found
}

// Chains lists the chain identifiers known to the directory.
func (d *Directory) Chains() []string {
	chains := make([]string, 0, len(d.entries))
	for chain := range d.entries {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}
