package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Key prefixes for Redis storage
	healthPrefix   = "health:"
	metricsPrefix  = "metrics:"
	requests24hKey = "requests_24h"
	requests1mKey  = "requests_1m"
	requestsAllKey = "requests_all"

	// RequestTypeProxy counts upstream attempts made for client requests.
	RequestTypeProxy = "proxy_requests"
	// RequestTypeHealth counts health probes.
	RequestTypeHealth = "health_requests"
)

// Scope joins a chain and a protocol into the key segment used by the store.
func Scope(chain, protocol string) string {
	return chain + ":" + protocol
}

// EndpointStatus is the last known health of an endpoint as mirrored to Redis.
type EndpointStatus struct {
	Provider        string    `json:"provider,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check"`
	LatencyMs       int64     `json:"latency_ms"` // -1 when unreachable
	Reachable       bool      `json:"reachable"`
	Failures        int       `json:"failures"`

	Requests24h      int64 `json:"requests_24h"`
	Requests1Month   int64 `json:"requests_1_month"`
	RequestsLifetime int64 `json:"requests_lifetime"`
}

// NewEndpointStatus creates an unreachable status checked now.
func NewEndpointStatus() EndpointStatus {
	return EndpointStatus{
		LastHealthCheck: time.Now(),
		LatencyMs:       -1,
	}
}

// StatusStore mirrors endpoint health and request counters to an external store
// so operators can inspect them across restarts.
type StatusStore interface {
	GetEndpointStatus(ctx context.Context, scope, endpoint string) (*EndpointStatus, error)
	UpdateEndpointStatus(ctx context.Context, scope, endpoint string, status EndpointStatus) error
	IncrementRequestCount(ctx context.Context, scope, endpoint string, requestType string) error
	GetCombinedRequestCounts(ctx context.Context, scope, endpoint string) (int64, int64, int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisClient implements StatusStore on top of go-redis.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a Redis client with pooled connections and short timeouts.
func NewRedisClient(addr string, password string, useTLS bool, skipTLSVerify bool) *RedisClient {
	var tlsConfig *tls.Config
	if useTLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: skipTLSVerify,
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		TLSConfig:       tlsConfig,
		MinIdleConns:    2,
		PoolSize:        20,
		PoolTimeout:     4 * time.Second,
		MaxRetries:      3,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	return &RedisClient{client: client}
}

// Ping checks the Redis connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func statusKey(scope, endpoint string) string {
	return healthPrefix + scope + ":" + endpoint
}

func counterKey(scope, endpoint, requestType string) string {
	return metricsPrefix + scope + ":" + endpoint + ":" + requestType
}

// UpdateEndpointStatus stores status as JSON under "health:{scope}:{endpoint}" with no expiry.
func (r *RedisClient) UpdateEndpointStatus(ctx context.Context, scope, endpoint string, status EndpointStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return r.client.Set(ctx, statusKey(scope, endpoint), data, 0).Err()
}

// GetEndpointStatus returns the stored status, or a fresh default when none exists.
func (r *RedisClient) GetEndpointStatus(ctx context.Context, scope, endpoint string) (*EndpointStatus, error) {
	data, err := r.client.Get(ctx, statusKey(scope, endpoint)).Bytes()
	if errors.Is(err, redis.Nil) {
		status := NewEndpointStatus()
		return &status, nil
	}
	if err != nil {
		return nil, err
	}

	var status EndpointStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &status, nil
}

// IncrementRequestCount bumps the 24-hour, 1-month and lifetime counters of an endpoint.
func (r *RedisClient) IncrementRequestCount(ctx context.Context, scope, endpoint string, requestType string) error {
	key := counterKey(scope, endpoint, requestType)
	pipe := r.client.Pipeline()

	pipe.Incr(ctx, key+":"+requests24hKey)
	pipe.Expire(ctx, key+":"+requests24hKey, 24*time.Hour)

	pipe.Incr(ctx, key+":"+requests1mKey)
	pipe.Expire(ctx, key+":"+requests1mKey, 30*24*time.Hour)

	pipe.Incr(ctx, key+":"+requestsAllKey)

	_, err := pipe.Exec(ctx)
	return err
}

// GetRequestCounts returns the 24-hour, 1-month and lifetime counts of one request type.
// Missing counters read as 0.
func (r *RedisClient) GetRequestCounts(ctx context.Context, scope, endpoint string, requestType string) (int64, int64, int64, error) {
	key := counterKey(scope, endpoint, requestType)
	pipe := r.client.Pipeline()

	requests24h := pipe.Get(ctx, key+":"+requests24hKey)
	requests1m := pipe.Get(ctx, key+":"+requests1mKey)
	requestsAll := pipe.Get(ctx, key+":"+requestsAllKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, 0, err
	}

	read := func(cmd *redis.StringCmd) int64 {
		n, err := cmd.Int64()
		if err != nil {
			return 0
		}
		return n
	}
	return read(requests24h), read(requests1m), read(requestsAll), nil
}

// GetCombinedRequestCounts sums proxy and health counts of an endpoint.
func (r *RedisClient) GetCombinedRequestCounts(ctx context.Context, scope, endpoint string) (int64, int64, int64, error) {
	p24h, p1m, pAll, err := r.GetRequestCounts(ctx, scope, endpoint, RequestTypeProxy)
	if err != nil {
		return 0, 0, 0, err
	}
	h24h, h1m, hAll, err := r.GetRequestCounts(ctx, scope, endpoint, RequestTypeHealth)
	if err != nil {
		return 0, 0, 0, err
	}
	return p24h + h24h, p1m + h1m, pAll + hAll, nil
}
