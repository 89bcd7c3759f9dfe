package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chaingate/internal/config"
	"chaingate/internal/endpoints"
	"chaingate/internal/health"
	"chaingate/internal/store"
)

// mockConfig returns two chains, one of which has no reachable endpoint.
func mockConfig() *config.Config {
	return &config.Config{
		Chains: map[string]config.Chain{
			"osmosis": {
				Name: "osmosis",
				API:  []endpoints.Endpoint{{Address: "http://good-lcd.osmosis", Provider: "good"}},
				RPC:  []endpoints.Endpoint{{Address: "http://bad-rpc.osmosis", Provider: "bad"}},
			},
			"juno": {
				Name: "juno",
				RPC:  []endpoints.Endpoint{{Address: "http://bad-rpc.juno", Provider: "bad"}},
			},
		},
	}
}

func patchProbe(t *testing.T, statusStore store.StatusStore) {
	t.Helper()
	loadConfig = func(path string) (*config.Config, error) { return mockConfig(), nil }
	loadDirectory = func(path string) (*endpoints.Directory, error) { return endpoints.NewDirectory(nil), nil }
	newStatusStore = func(addr, password string, useTLS, skipTLSVerify bool) store.StatusStore { return statusStore }
	testCheckerPatch = func(checker *health.Checker) {
		checker.ProbeFunc = func(ctx context.Context, protocol endpoints.Protocol, ep endpoints.Endpoint) health.ProbeResult {
			if strings.Contains(ep.Address, "good") {
				return health.ProbeResult{Latency: 20 * time.Millisecond, Reachable: true, Status: 200}
			}
			return health.ProbeResult{Status: 503}
		}
	}
	t.Cleanup(func() {
		loadConfig = config.LoadConfig
		loadDirectory = endpoints.LoadDirectory
		newStatusStore = func(addr, password string, useTLS, skipTLSVerify bool) store.StatusStore {
			return store.NewRedisClient(addr, password, useTLS, skipTLSVerify)
		}
		testCheckerPatch = nil
	})
}

func TestRunProbe(t *testing.T) {
	patchProbe(t, nil)

	reports, err := RunProbe(context.Background(), probeSettings{})
	if err != nil {
		t.Fatalf("RunProbe returned error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}

	juno, osmosis := reports[0], reports[1]
	if juno.Chain != "juno" || osmosis.Chain != "osmosis" {
		t.Fatalf("Expected reports sorted by chain, got %s, %s", juno.Chain, osmosis.Chain)
	}
	if osmosis.Endpoints != 2 || osmosis.Reachable != 1 {
		t.Errorf("Expected osmosis 1/2 reachable, got %d/%d", osmosis.Reachable, osmosis.Endpoints)
	}
	if juno.Reachable != 0 {
		t.Errorf("Expected juno unreachable, got %d reachable", juno.Reachable)
	}

	unhealthy := unhealthyChains(reports)
	if len(unhealthy) != 1 || unhealthy[0] != "juno" {
		t.Errorf("Expected [juno] unhealthy, got %v", unhealthy)
	}
}

func TestRunProbe_MirrorsToStatusStore(t *testing.T) {
	mock := store.NewMockStatusStore()
	patchProbe(t, mock)

	if _, err := RunProbe(context.Background(), probeSettings{StatusStoreEnabled: true}); err != nil {
		t.Fatalf("RunProbe returned error: %v", err)
	}

	statuses := mock.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Expected 3 mirrored statuses, got %d", len(statuses))
	}
	good, ok := statuses["health:osmosis:api:http://good-lcd.osmosis"]
	if !ok {
		t.Fatalf("Missing status for the reachable endpoint, have %v", statuses)
	}
	if !good.Reachable || good.LatencyMs != 20 {
		t.Errorf("Expected reachable with 20ms latency, got %+v", good)
	}
}

func TestRunProbe_ConfigError(t *testing.T) {
	patchProbe(t, nil)
	loadConfig = func(path string) (*config.Config, error) { return nil, errors.New("no chains") }

	if _, err := RunProbe(context.Background(), probeSettings{}); err == nil {
		t.Error("Expected an error when the configuration cannot be loaded")
	}
}
