package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chaingate/internal/balancer"
	"chaingate/internal/endpoints"
	"chaingate/internal/metrics"
	"chaingate/internal/store"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, chain, protocol, status string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.HealthCheckTotal.WithLabelValues(chain, protocol, status).Write(&m))
	return m.GetCounter().GetValue()
}

func TestRunOnce_ProbesAndRanksEndpoints(t *testing.T) {
	var restPath, rpcPath atomic.Value
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == RPCProbePath {
			rpcPath.Store(r.URL.Path)
		} else {
			restPath.Store(r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	registry := balancer.NewRegistry(balancer.DefaultOptions())
	cb, _ := registry.Get("health-test")
	cb.API.Tracker().Track([]endpoints.Endpoint{{Address: broken.URL}, {Address: healthy.URL}})
	cb.RPC.Tracker().Track([]endpoints.Endpoint{{Address: healthy.URL}})

	mock := store.NewMockStatusStore()
	checker := NewChecker(registry, Options{Store: mock, Timeout: time.Second})
	defer checker.Stop()

	assert.False(t, checker.IsReady())
	before := counterValue(t, "health-test", "api", "failure")
	checker.RunOnce(context.Background())
	assert.True(t, checker.IsReady())

	assert.Equal(t, RESTProbePath, restPath.Load())
	assert.Equal(t, RPCProbePath, rpcPath.Load())
	assert.Equal(t, before+1, counterValue(t, "health-test", "api", "failure"))

	order := cb.API.Tracker().SelectOrder(cb.API.Tracker().Endpoints())
	require.Len(t, order, 2)
	assert.Equal(t, healthy.URL, order[0].Address, "reachable endpoint ranks first")

	statuses := mock.Statuses()
	require.Len(t, statuses, 3)
	okStatus := statuses["health:health-test:api:"+healthy.URL]
	assert.True(t, okStatus.Reachable)
	assert.GreaterOrEqual(t, okStatus.LatencyMs, int64(0))
	assert.Equal(t, int64(1), okStatus.RequestsLifetime)
	badStatus := statuses["health:health-test:api:"+broken.URL]
	assert.False(t, badStatus.Reachable)
	assert.Equal(t, int64(-1), badStatus.LatencyMs)
}

func TestCheckChain_UsesProbeHook(t *testing.T) {
	registry := balancer.NewRegistry(balancer.DefaultOptions())
	cb, _ := registry.Get("hooked")
	cb.RPC.Tracker().Track([]endpoints.Endpoint{{Address: "https://slow.example"}, {Address: "https://fast.example"}})

	checker := NewChecker(registry, Options{})
	defer checker.Stop()
	var calls atomic.Int32
	checker.ProbeFunc = func(ctx context.Context, protocol endpoints.Protocol, ep endpoints.Endpoint) ProbeResult {
		calls.Add(1)
		assert.Equal(t, endpoints.ProtocolRPC, protocol)
		if ep.Address == "https://fast.example" {
			return ProbeResult{Latency: 10 * time.Millisecond, Reachable: true, Status: http.StatusOK}
		}
		return ProbeResult{Latency: 300 * time.Millisecond, Reachable: true, Status: http.StatusOK}
	}

	checker.CheckChain(context.Background(), cb)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, checker.IsReady(), "a single chain check does not mark the checker ready")

	stats := cb.RPC.Tracker().Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(300), stats[0].LatencyMs)
	assert.Equal(t, int64(10), stats[1].LatencyMs)
	assert.Equal(t, "https://fast.example", cb.RPC.Tracker().SelectOrder(cb.RPC.Tracker().Endpoints())[0].Address)
}

func TestProbe_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	checker := NewChecker(balancer.NewRegistry(balancer.DefaultOptions()), Options{Timeout: 20 * time.Millisecond})
	defer checker.Stop()

	result := checker.probe(context.Background(), endpoints.ProtocolAPI, endpoints.Endpoint{Address: slow.URL})
	assert.False(t, result.Reachable)
	assert.Error(t, result.Err)
}

func TestStart_StopsWithContext(t *testing.T) {
	registry := balancer.NewRegistry(balancer.DefaultOptions())
	checker := NewChecker(registry, Options{Interval: 10 * time.Millisecond})
	defer checker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, checker.IsReady, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestProbePath(t *testing.T) {
	assert.Equal(t, "/status", ProbePath(endpoints.ProtocolRPC))
	assert.Equal(t, "/cosmos/base/tendermint/v1beta1/node_info", ProbePath(endpoints.ProtocolAPI))
}
