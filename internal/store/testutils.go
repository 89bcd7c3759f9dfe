package store

import (
	"context"
	"sync"
)

// MockStatusStore is an in-memory StatusStore for tests. It is safe for concurrent use.
type MockStatusStore struct {
	requestCounts map[string]map[string][3]int64 // key -> type -> [24h, 1m, all]
	statuses      map[string]*EndpointStatus
	mu            sync.RWMutex
}

// NewMockStatusStore creates an empty MockStatusStore.
func NewMockStatusStore() *MockStatusStore {
	return &MockStatusStore{
		requestCounts: make(map[string]map[string][3]int64),
		statuses:      make(map[string]*EndpointStatus),
	}
}

// GetEndpointStatus returns the stored status or a fresh default.
func (m *MockStatusStore) GetEndpointStatus(_ context.Context, scope, endpoint string) (*EndpointStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[statusKey(scope, endpoint)]
	if !ok {
		fresh := NewEndpointStatus()
		return &fresh, nil
	}
	copied := *status
	return &copied, nil
}

// UpdateEndpointStatus stores status.
func (m *MockStatusStore) UpdateEndpointStatus(_ context.Context, scope, endpoint string, status EndpointStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[statusKey(scope, endpoint)] = &status
	return nil
}

// IncrementRequestCount bumps every counter of requestType.
func (m *MockStatusStore) IncrementRequestCount(_ context.Context, scope, endpoint string, requestType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey(scope, endpoint)
	if _, ok := m.requestCounts[key]; !ok {
		m.requestCounts[key] = make(map[string][3]int64)
	}
	counts := m.requestCounts[key][requestType]
	counts[0]++
	counts[1]++
	counts[2]++
	m.requestCounts[key][requestType] = counts
	return nil
}

// GetRequestCounts returns the counters of one request type.
func (m *MockStatusStore) GetRequestCounts(_ context.Context, scope, endpoint, requestType string) (int64, int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.requestCounts[statusKey(scope, endpoint)][requestType]
	return c[0], c[1], c[2], nil
}

// GetCombinedRequestCounts sums proxy and health counters.
func (m *MockStatusStore) GetCombinedRequestCounts(_ context.Context, scope, endpoint string) (int64, int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total [3]int64
	for _, reqType := range []string{RequestTypeProxy, RequestTypeHealth} {
		c := m.requestCounts[statusKey(scope, endpoint)][reqType]
		total[0] += c[0]
		total[1] += c[1]
		total[2] += c[2]
	}
	return total[0], total[1], total[2], nil
}

// Ping always succeeds.
func (m *MockStatusStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStatusStore) Close() error {
	return nil
}

// Statuses returns a copy of every stored status keyed by "health:{scope}:{endpoint}".
func (m *MockStatusStore) Statuses() map[string]EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]EndpointStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = *v
	}
	return out
}
