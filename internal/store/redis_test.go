package store

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"
)

var (
	_ StatusStore = (*RedisClient)(nil)
	_ StatusStore = (*MockStatusStore)(nil)
)

func TestNewEndpointStatus(t *testing.T) {
	status := NewEndpointStatus()

	if status.Reachable {
		t.Error("Default Reachable should be false")
	}
	if status.LatencyMs != -1 {
		t.Errorf("Default LatencyMs should be -1, got %d", status.LatencyMs)
	}
	if status.Failures != 0 {
		t.Error("Default failures should be 0")
	}
	if status.LastHealthCheck.IsZero() {
		t.Error("LastHealthCheck should be set")
	}
}

func TestKeys(t *testing.T) {
	scope := Scope("osmosis", "rpc")
	if got, want := statusKey(scope, "https://rpc.example.com"), "health:osmosis:rpc:https://rpc.example.com"; got != want {
		t.Errorf("statusKey = %q, want %q", got, want)
	}
	if got, want := counterKey(scope, "https://rpc.example.com", RequestTypeProxy), "metrics:osmosis:rpc:https://rpc.example.com:proxy_requests"; got != want {
		t.Errorf("counterKey = %q, want %q", got, want)
	}
}

func TestMockUpdateAndGetEndpointStatus(t *testing.T) {
	client := NewMockStatusStore()
	ctx := context.Background()
	scope := Scope("test-chain", "api")
	endpoint := "https://test.example.com"

	status := EndpointStatus{
		Provider:        "Example",
		LastHealthCheck: time.Now(),
		LatencyMs:       42,
		Reachable:       true,
		Failures:        1,
	}
	if err := client.UpdateEndpointStatus(ctx, scope, endpoint, status); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := client.GetEndpointStatus(ctx, scope, endpoint)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LatencyMs != 42 || !got.Reachable || got.Failures != 1 || got.Provider != "Example" {
		t.Errorf("Unexpected status: %+v", got)
	}
	if len(client.Statuses()) != 1 {
		t.Errorf("Expected one stored status, got %d", len(client.Statuses()))
	}
}

func TestMockGetEndpointStatusForNonExistentEndpoint(t *testing.T) {
	client := NewMockStatusStore()

	status, err := client.GetEndpointStatus(context.Background(), "test-chain:rpc", "https://missing.example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status.Reachable {
		t.Error("Missing endpoint should not be reachable")
	}
	if status.LatencyMs != -1 {
		t.Errorf("Missing endpoint latency should be -1, got %d", status.LatencyMs)
	}
}

func TestMockRequestCounts(t *testing.T) {
	client := NewMockStatusStore()
	ctx := context.Background()
	scope := Scope("test-chain", "rpc")
	endpoint := "https://test.example.com"

	for i := 0; i < 5; i++ {
		if err := client.IncrementRequestCount(ctx, scope, endpoint, RequestTypeProxy); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if err := client.IncrementRequestCount(ctx, scope, endpoint, RequestTypeHealth); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	r24h, r1m, rAll, err := client.GetRequestCounts(ctx, scope, endpoint, RequestTypeProxy)
	if err != nil {
		t.Fatalf("Get counts failed: %v", err)
	}
	if r24h != 5 || r1m != 5 || rAll != 5 {
		t.Errorf("Expected proxy counts 5/5/5, got %d/%d/%d", r24h, r1m, rAll)
	}

	c24h, c1m, cAll, err := client.GetCombinedRequestCounts(ctx, scope, endpoint)
	if err != nil {
		t.Fatalf("Get combined counts failed: %v", err)
	}
	if c24h != 6 || c1m != 6 || cAll != 6 {
		t.Errorf("Expected combined counts 6/6/6, got %d/%d/%d", c24h, c1m, cAll)
	}

	n24h, _, _, _ := client.GetCombinedRequestCounts(ctx, scope, "https://other.example.com")
	if n24h != 0 {
		t.Errorf("Expected no counts for an unknown endpoint, got %d", n24h)
	}
}

// TestRedisClientRoundTrip is an integration test against a Redis server on
// REDIS_HOST:6379. It is skipped when no server is listening.
func TestRedisClientRoundTrip(t *testing.T) {
	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	redisPass := os.Getenv("REDIS_PASS")
	addr := fmt.Sprintf("%s:6379", redisHost)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Skipf("Skipping integration test: Redis is not available at %s. Error: %v", addr, err)
	}
	conn.Close()

	ctx := context.Background()
	client := NewRedisClient(addr, redisPass, false, false)
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	scope := Scope("chaingate-test", "rpc")
	endpoint := fmt.Sprintf("https://test-%d.example.com", time.Now().UnixNano())
	status := NewEndpointStatus()
	status.Reachable = true
	status.LatencyMs = 12
	if err := client.UpdateEndpointStatus(ctx, scope, endpoint, status); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := client.GetEndpointStatus(ctx, scope, endpoint)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Reachable || got.LatencyMs != 12 {
		t.Errorf("Unexpected status: %+v", got)
	}

	if err := client.IncrementRequestCount(ctx, scope, endpoint, RequestTypeProxy); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	_, _, all, err := client.GetCombinedRequestCounts(ctx, scope, endpoint)
	if err != nil {
		t.Fatalf("Combined counts failed: %v", err)
	}
	if all != 1 {
		t.Errorf("Expected lifetime count 1, got %d", all)
	}
}
