package endpoints

import (
	"fmt"
	"strings"
)

// Protocol identifies the upstream protocol family of an endpoint.
// RPC endpoints speak Tendermint RPC, API endpoints speak Cosmos REST (LCD).
type Protocol string

const (
	ProtocolRPC Protocol = "rpc"
	ProtocolAPI Protocol = "api"
)

// ParseProtocol converts a string into a Protocol. "rest" and "lcd" are accepted as aliases of "api".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rpc":
		return ProtocolRPC, nil
	case "api", "rest", "lcd":
		return ProtocolAPI, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// Endpoint is a single upstream URL for a chain.
type Endpoint struct {
	Address  string `json:"address" yaml:"address"`
	Provider string `json:"provider,omitempty" yaml:"provider"`
}
