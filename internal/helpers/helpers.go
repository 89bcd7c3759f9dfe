package helpers

import (
	"flag"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all CLI flags and their values
type Config struct {
	CacheQueueSize      int
	CacheTTLInstant     int
	CacheTTLLong        int
	CacheTTLMedium      int
	CacheTTLShort       int
	CacheWorkers        int
	ChainsDir           string
	CorsHeaders         string
	CorsMethods         string
	CorsOrigin          string
	FailureCooldown     int
	HealthCheckConc     int
	HealthCheckInterval int
	HealthCheckTimeout  int
	LogLevel            string
	MaxConcurrent       int
	MaxFailures         int
	MetricsEnabled      bool
	MetricsPort         int
	PublicEndpointsFile string
	RateLimitMax        int
	RateLimitWindow     int
	RedisHost           string
	RedisPass           string
	RedisPort           string
	RedisSkipTLSCheck   bool
	RedisUseTLS         bool
	RESTTimeout         int
	RPCTimeout          int
	ServerPort          int
	StatsStreamInterval int
	StatusStoreEnabled  bool
	WarmupOnStart       bool
}

// ParseFlags defines and parses all CLI flags, returning a Config struct
func ParseFlags() *Config {
	config := &Config{}

	flag.IntVar(&config.CacheQueueSize, "cache-queue-size", 256, "Maximum number of queued background cache refreshes")
	flag.IntVar(&config.CacheTTLInstant, "cache-ttl-instant", 5, "TTL of the instant cache tier in seconds")
	flag.IntVar(&config.CacheTTLLong, "cache-ttl-long", 3600, "TTL of the long cache tier in seconds")
	flag.IntVar(&config.CacheTTLMedium, "cache-ttl-medium", 300, "TTL of the medium cache tier in seconds")
	flag.IntVar(&config.CacheTTLShort, "cache-ttl-short", 30, "TTL of the short cache tier in seconds")
	flag.IntVar(&config.CacheWorkers, "cache-workers", 16, "Number of workers running background cache refreshes")
	flag.StringVar(&config.ChainsDir, "chains-dir", "chains", "Directory (or single JSON file) holding chain configuration")
	flag.StringVar(&config.CorsHeaders, "cors-headers", "Accept, Authorization, Content-Type, Origin, X-Requested-With", "CORS allowed headers")
	flag.StringVar(&config.CorsMethods, "cors-methods", "GET, POST, DELETE, OPTIONS", "CORS allowed methods")
	flag.StringVar(&config.CorsOrigin, "cors-origin", "*", "Comma separated list of CORS allowed origins")
	flag.IntVar(&config.FailureCooldown, "failure-cooldown", 30, "Seconds after the last failure before an excluded endpoint is retried")
	flag.IntVar(&config.HealthCheckConc, "health-check-concurrency", 20, "Maximum number of concurrent endpoint probes")
	flag.IntVar(&config.HealthCheckInterval, "health-check-interval", 120, "Health check interval in seconds (0 disables periodic checks)")
	flag.IntVar(&config.HealthCheckTimeout, "health-check-timeout", 5, "Timeout of a single endpoint probe in seconds")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&config.MaxConcurrent, "max-concurrent", 10, "Maximum concurrent upstream requests per chain and protocol")
	flag.IntVar(&config.MaxFailures, "max-failures", 5, "Consecutive failures before an endpoint is excluded from selection")
	flag.BoolVar(&config.MetricsEnabled, "metrics-enabled", true, "Enable metrics server")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Metrics server port")
	flag.StringVar(&config.PublicEndpointsFile, "public-endpoints-file", "", "YAML file overriding the built-in public endpoint directory")
	flag.IntVar(&config.RateLimitMax, "rate-limit-max", 100, "Requests per window after which an endpoint is skipped")
	flag.IntVar(&config.RateLimitWindow, "rate-limit-window", 10, "Rate limit window in seconds")
	flag.StringVar(&config.RedisHost, "redis-host", "localhost", "Redis host")
	flag.StringVar(&config.RedisPass, "redis-pass", "", "Redis password")
	flag.StringVar(&config.RedisPort, "redis-port", "6379", "Redis port")
	flag.BoolVar(&config.RedisSkipTLSCheck, "redis-skip-tls-check", false, "Skip TLS certificate validation for Redis")
	flag.BoolVar(&config.RedisUseTLS, "redis-use-tls", false, "Use TLS for Redis connection")
	flag.IntVar(&config.RESTTimeout, "rest-timeout", 8, "Timeout of a single REST upstream attempt in seconds")
	flag.IntVar(&config.RPCTimeout, "rpc-timeout", 10, "Timeout of a single RPC upstream attempt in seconds")
	flag.IntVar(&config.ServerPort, "server-port", 8080, "Server port")
	flag.IntVar(&config.StatsStreamInterval, "stats-stream-interval", 5, "Seconds between cache stats pushed over the websocket stream")
	flag.BoolVar(&config.StatusStoreEnabled, "status-store-enabled", false, "Mirror endpoint status and request counters to Redis")
	flag.BoolVar(&config.WarmupOnStart, "warmup-on-start", false, "Prefetch blocks, validators and network status of every chain at startup")

	flag.Parse()

	log.Debug().Msg("CLI flags parsed successfully")
	return config
}

// GetStringValue returns the flag value if explicitly set, otherwise the env var value, otherwise the default
func (c *Config) GetStringValue(flagName string, flagValue string, envKey string, defaultValue string) string {
	if flagWasSet(flagName) {
		logValue := flagValue
		if flagName == "redis-pass" {
			logValue = "REDACTED"
		}
		log.Debug().Str(flagName, logValue).Msg("Using value from flag")
		return flagValue
	}
	return getStringFromEnv(envKey, defaultValue)
}

// GetIntValue returns the flag value if explicitly set, otherwise the env var value, otherwise the default
func (c *Config) GetIntValue(flagName string, flagValue int, envKey string, defaultValue int) int {
	if flagWasSet(flagName) {
		log.Debug().Int(flagName, flagValue).Msg("Using value from flag")
		return flagValue
	}
	return getIntFromEnv(envKey, defaultValue)
}

// GetBoolValue returns the flag value if the flag was explicitly set, otherwise the env var value, otherwise the default
func (c *Config) GetBoolValue(flagName string, flagValue bool, envKey string, defaultValue bool) bool {
	if flagWasSet(flagName) {
		log.Debug().Bool(flagName, flagValue).Msg("Using value from flag")
		return flagValue
	}
	return getBoolFromEnv(envKey, defaultValue)
}

func flagWasSet(flagName string) bool {
	f := flag.Lookup(flagName)
	return f != nil && f.Value.String() != f.DefValue
}

// LoadConfiguration loads all configuration values with proper precedence
func (c *Config) LoadConfiguration() *LoadedConfig {
	return &LoadedConfig{
		CacheQueueSize:      c.GetIntValue("cache-queue-size", c.CacheQueueSize, "CACHE_QUEUE_SIZE", 256),
		CacheTTLInstant:     c.GetIntValue("cache-ttl-instant", c.CacheTTLInstant, "CACHE_TTL_INSTANT", 5),
		CacheTTLLong:        c.GetIntValue("cache-ttl-long", c.CacheTTLLong, "CACHE_TTL_LONG", 3600),
		CacheTTLMedium:      c.GetIntValue("cache-ttl-medium", c.CacheTTLMedium, "CACHE_TTL_MEDIUM", 300),
		CacheTTLShort:       c.GetIntValue("cache-ttl-short", c.CacheTTLShort, "CACHE_TTL_SHORT", 30),
		CacheWorkers:        c.GetIntValue("cache-workers", c.CacheWorkers, "CACHE_WORKERS", 16),
		ChainsDir:           c.GetStringValue("chains-dir", c.ChainsDir, "CHAINS_DIR", "chains"),
		CorsHeaders:         c.GetStringValue("cors-headers", c.CorsHeaders, "CORS_HEADERS", "Accept, Authorization, Content-Type, Origin, X-Requested-With"),
		CorsMethods:         c.GetStringValue("cors-methods", c.CorsMethods, "CORS_METHODS", "GET, POST, DELETE, OPTIONS"),
		CorsOrigin:          c.GetStringValue("cors-origin", c.CorsOrigin, "ALLOWED_ORIGINS", "*"),
		FailureCooldown:     c.GetIntValue("failure-cooldown", c.FailureCooldown, "FAILURE_COOLDOWN", 30),
		HealthCheckConc:     c.GetIntValue("health-check-concurrency", c.HealthCheckConc, "HEALTH_CHECK_CONCURRENCY", 20),
		HealthCheckInterval: c.GetIntValue("health-check-interval", c.HealthCheckInterval, "HEALTH_CHECK_INTERVAL", 120),
		HealthCheckTimeout:  c.GetIntValue("health-check-timeout", c.HealthCheckTimeout, "HEALTH_CHECK_TIMEOUT", 5),
		LogLevel:            c.GetStringValue("log-level", c.LogLevel, "LOG_LEVEL", "info"),
		MaxConcurrent:       c.GetIntValue("max-concurrent", c.MaxConcurrent, "MAX_CONCURRENT", 10),
		MaxFailures:         c.GetIntValue("max-failures", c.MaxFailures, "MAX_FAILURES", 5),
		MetricsEnabled:      c.GetBoolValue("metrics-enabled", c.MetricsEnabled, "METRICS_ENABLED", true),
		MetricsPort:         c.GetIntValue("metrics-port", c.MetricsPort, "METRICS_PORT", 9090),
		PublicEndpointsFile: c.GetStringValue("public-endpoints-file", c.PublicEndpointsFile, "PUBLIC_ENDPOINTS_FILE", ""),
		RateLimitMax:        c.GetIntValue("rate-limit-max", c.RateLimitMax, "RATE_LIMIT_MAX", 100),
		RateLimitWindow:     c.GetIntValue("rate-limit-window", c.RateLimitWindow, "RATE_LIMIT_WINDOW", 10),
		RedisHost:           c.GetStringValue("redis-host", c.RedisHost, "REDIS_HOST", "localhost"),
		RedisPass:           c.GetStringValue("redis-pass", c.RedisPass, "REDIS_PASS", ""),
		RedisPort:           c.GetStringValue("redis-port", c.RedisPort, "REDIS_PORT", "6379"),
		RedisSkipTLSCheck:   c.GetBoolValue("redis-skip-tls-check", c.RedisSkipTLSCheck, "REDIS_SKIP_TLS_CHECK", false),
		RedisUseTLS:         c.GetBoolValue("redis-use-tls", c.RedisUseTLS, "REDIS_USE_TLS", false),
		RESTTimeout:         c.GetIntValue("rest-timeout", c.RESTTimeout, "REST_TIMEOUT", 8),
		RPCTimeout:          c.GetIntValue("rpc-timeout", c.RPCTimeout, "RPC_TIMEOUT", 10),
		ServerPort:          c.GetIntValue("server-port", c.ServerPort, "SERVER_PORT", 8080),
		StatsStreamInterval: c.GetIntValue("stats-stream-interval", c.StatsStreamInterval, "STATS_STREAM_INTERVAL", 5),
		StatusStoreEnabled:  c.GetBoolValue("status-store-enabled", c.StatusStoreEnabled, "STATUS_STORE_ENABLED", false),
		WarmupOnStart:       c.GetBoolValue("warmup-on-start", c.WarmupOnStart, "WARMUP_ON_START", false),
	}
}

// LoadedConfig contains the final resolved configuration values
type LoadedConfig struct {
	CacheQueueSize      int
	CacheTTLInstant     int
	CacheTTLLong        int
	CacheTTLMedium      int
	CacheTTLShort       int
	CacheWorkers        int
	ChainsDir           string
	CorsHeaders         string
	CorsMethods         string
	CorsOrigin          string
	FailureCooldown     int
	HealthCheckConc     int
	HealthCheckInterval int
	HealthCheckTimeout  int
	LogLevel            string
	MaxConcurrent       int
	MaxFailures         int
	MetricsEnabled      bool
	MetricsPort         int
	PublicEndpointsFile string
	RateLimitMax        int
	RateLimitWindow     int
	RedisHost           string
	RedisPass           string
	RedisPort           string
	RedisSkipTLSCheck   bool
	RedisUseTLS         bool
	RESTTimeout         int
	RPCTimeout          int
	ServerPort          int
	StatsStreamInterval int
	StatusStoreEnabled  bool
	WarmupOnStart       bool
}

// Seconds converts a whole number of seconds from the configuration into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Internal helper functions for environment variable processing

// getStringFromEnv gets a string value from an environment variable or returns a default
func getStringFromEnv(envKey, defaultValue string) string {
	if envValue := os.Getenv(envKey); envValue != "" {
		if strings.TrimSpace(envValue) != "" {
			logValue := envValue
			if envKey == "REDIS_PASS" {
				logValue = "REDACTED"
			}
			log.Debug().Str(envKey, logValue).Msg("Parsed string value from env var")
			return envValue
		}
		log.Info().Msg("Empty value for " + envKey + ", defaulting to: " + defaultValue)
	} else {
		log.Debug().Msg("Missing " + envKey + " from env vars, defaulting to: " + defaultValue)
	}
	os.Setenv(envKey, defaultValue)
	return defaultValue
}

// getIntFromEnv gets a non-negative integer value from an environment variable or returns a default
func getIntFromEnv(envKey string, defaultValue int) int {
	if envValue := os.Getenv(envKey); envValue != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(envValue)); err == nil && parsed >= 0 {
			log.Debug().Int(envKey, parsed).Msg("Parsed integer value from env var")
			return parsed
		}
		log.Info().Msg(envValue + " is an invalid value for " + envKey + ", defaulting to: " + strconv.Itoa(defaultValue))
	} else {
		log.Debug().Msg("Missing " + envKey + " from env vars, defaulting to: " + strconv.Itoa(defaultValue))
	}
	os.Setenv(envKey, strconv.Itoa(defaultValue))
	return defaultValue
}

// getBoolFromEnv gets a boolean value from an environment variable or returns a default
func getBoolFromEnv(envKey string, defaultValue bool) bool {
	if envValue := os.Getenv(envKey); envValue != "" {
		envValue = strings.TrimSpace(envValue)
		if parsed, err := strconv.ParseBool(envValue); err == nil {
			log.Debug().Bool(envKey, parsed).Msg("Parsed boolean value from env var")
			return parsed
		}
		log.Info().Msg(envValue + " is an invalid boolean value for " + envKey + ", defaulting to: " + strconv.FormatBool(defaultValue))
	} else {
		log.Debug().Msg("Missing " + envKey + " from env vars, defaulting to: " + strconv.FormatBool(defaultValue))
	}
	os.Setenv(envKey, strconv.FormatBool(defaultValue))
	return defaultValue
}

// apiKeyPatterns match API keys embedded in node provider URLs. Group 1 is kept, group 2 is redacted.
var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([?&](?:api[_-]?key|apikey|token|key)=)([^&#]+)`),
	regexp.MustCompile(`(blastapi\.io/)([A-Za-z0-9-]+)`),
	regexp.MustCompile(`(allthatnode\.com/[a-z0-9._-]+/)([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`(lavanet\.xyz(?::443)?/gateway/[a-z0-9-]+/(?:rest|rpc-http|rpc)/)([A-Za-z0-9]+)`),
	regexp.MustCompile(`(nodereal\.io/v1/)([A-Za-z0-9]+)`),
	regexp.MustCompile(`(ankr\.com/(?:premium-http/)?[a-z0-9_-]+/)([A-Za-z0-9_-]+)`),
}

// RedactAPIKey redacts API keys that would otherwise be shown in plain text in the logs.
// For keys longer than 8 characters, it shows the first 4 and last 4 characters.
// For shorter keys, it completely redacts them.
func RedactAPIKey(url string) string {
	result := url
	for _, re := range apiKeyPatterns {
		result = re.ReplaceAllStringFunc(result, func(match string) string {
			parts := re.FindStringSubmatch(match)
			if len(parts) != 3 {
				return match
			}
			prefix, key := parts[1], parts[2]
			if len(key) <= 8 {
				return prefix + "..."
			}
			return prefix + key[:4] + "..." + key[len(key)-4:]
		})
	}
	return result
}
