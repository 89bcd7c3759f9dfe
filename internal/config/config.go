package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chaingate/internal/endpoints"
)

// Chain describes one chain and its configured upstream endpoints.
type Chain struct {
	Name    string               `json:"chain_name"`
	ChainID string               `json:"chain_id"`
	RPC     []endpoints.Endpoint `json:"rpc"`
	API     []endpoints.Endpoint `json:"api"`
}

// Endpoints returns the configured endpoints for the given protocol.
func (c Chain) Endpoints(protocol endpoints.Protocol) []endpoints.Endpoint {
	if protocol == endpoints.ProtocolRPC {
		return c.RPC
	}
	return c.API
}

// Config holds every chain known to the gateway, keyed by chain name.
type Config struct {
	Chains map[string]Chain `json:"-"`
}

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// substituteEnvVarsInChain expands ${VAR} references in endpoint addresses.
// Endpoints whose address expands to nothing are dropped.
func substituteEnvVarsInChain(chain *Chain) {
	chain.RPC = expandEndpoints(chain.RPC)
	chain.API = expandEndpoints(chain.API)
}

func expandEndpoints(eps []endpoints.Endpoint) []endpoints.Endpoint {
	out := eps[:0]
	for _, ep := range eps {
		ep.Address = strings.TrimRight(substituteEnvVars(ep.Address), "/")
		if ep.Address == "" {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// LoadConfig loads chain configuration from path. When path is a directory every
// *.json file in it is one chain, keyed by its file name without the extension.
// When path is a file it must hold a JSON object of chain name to chain.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	config := &Config{Chains: make(map[string]Chain)}
	if info.IsDir() {
		files, err := filepath.Glob(filepath.Join(path, "*.json"))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			var chain Chain
			if err := readJSON(file, &chain); err != nil {
				return nil, err
			}
			config.Chains[strings.TrimSuffix(filepath.Base(file), ".json")] = chain
		}
	} else {
		if err := readJSON(path, &config.Chains); err != nil {
			return nil, err
		}
	}

	for name, chain := range config.Chains {
		if chain.Name == "" {
			chain.Name = name
		}
		substituteEnvVarsInChain(&chain)
		config.Chains[name] = chain
	}

	return config, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// GetChain returns the configuration for a chain and whether it exists.
func (c *Config) GetChain(name string) (Chain, bool) {
	chain, exists := c.Chains[name]
	return chain, exists
}

// ChainNames returns all configured chain keys in sorted order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
