package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chaingate/internal/balancer"
	"chaingate/internal/cache"
	"chaingate/internal/config"
	"chaingate/internal/cors"
	"chaingate/internal/endpoints"
	"chaingate/internal/gateway"
	"chaingate/internal/health"
	"chaingate/internal/helpers"
	"chaingate/internal/metrics"
	"chaingate/internal/server"
	"chaingate/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// main initializes and starts the chain gateway service
func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	// Parse CLI flags and load configuration
	flagConfig := helpers.ParseFlags()
	appConfig := flagConfig.LoadConfiguration()

	// Set the requested log level if it's valid, otherwise default to info
	if level, err := zerolog.ParseLevel(appConfig.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("LOG_LEVEL", appConfig.LogLevel).Msg("Invalid log level, defaulting to Info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	corsConfig := cors.Config{Headers: appConfig.CorsHeaders, Methods: appConfig.CorsMethods, Origin: appConfig.CorsOrigin}

	// Start the metrics server if enabled
	if appConfig.MetricsEnabled {
		log.Info().Int("port", appConfig.MetricsPort).Msg("Prometheus metrics server enabled")
		metrics.StartServer(appConfig.MetricsPort, corsConfig)
	}

	cfg, err := config.LoadConfig(appConfig.ChainsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load chain configuration")
	}
	directory, err := endpoints.LoadDirectory(appConfig.PublicEndpointsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load public endpoint directory")
	}

	log.Info().Msg("Chain Gateway - Loaded configuration:")
	for _, name := range cfg.ChainNames() {
		chain, _ := cfg.GetChain(name)
		log.Info().Str("chain", name).Str("chain_id", chain.ChainID).Msg("Chain configuration")
		for _, protocol := range []endpoints.Protocol{endpoints.ProtocolAPI, endpoints.ProtocolRPC} {
			for _, ep := range chain.Endpoints(protocol) {
				log.Info().
					Str("chain", name).
					Str("protocol", string(protocol)).
					Str("provider", ep.Provider).
					Str("address", helpers.RedactAPIKey(ep.Address)).
					Msg("Endpoint configuration")
			}
		}
	}

	// Redis only mirrors endpoint status and request counters, the gateway runs without it
	var statusStore store.StatusStore
	if appConfig.StatusStoreEnabled {
		redisAddr := appConfig.RedisHost + ":" + appConfig.RedisPort
		redisClient := store.NewRedisClient(redisAddr, appConfig.RedisPass, appConfig.RedisUseTLS, appConfig.RedisSkipTLSCheck)
		if err := redisClient.Ping(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		statusStore = redisClient
		log.Info().Str("address", redisAddr).Msg("Mirroring endpoint status to Redis")
	}

	balancerOpts := balancer.DefaultOptions()
	balancerOpts.Thresholds = balancer.Thresholds{
		MaxFailures:     appConfig.MaxFailures,
		FailureCooldown: helpers.Seconds(appConfig.FailureCooldown),
		RateLimitWindow: helpers.Seconds(appConfig.RateLimitWindow),
		RateLimitMax:    appConfig.RateLimitMax,
	}
	balancerOpts.MaxConcurrent = appConfig.MaxConcurrent
	balancerOpts.RESTTimeout = helpers.Seconds(appConfig.RESTTimeout)
	balancerOpts.RPCTimeout = helpers.Seconds(appConfig.RPCTimeout)
	if statusStore != nil {
		balancerOpts.Counter = statusStore
	}
	registry := balancer.NewRegistry(balancerOpts)

	responseCache := cache.New(cache.Options{
		TTLs: cache.TTLs{
			Instant: helpers.Seconds(appConfig.CacheTTLInstant),
			Short:   helpers.Seconds(appConfig.CacheTTLShort),
			Medium:  helpers.Seconds(appConfig.CacheTTLMedium),
			Long:    helpers.Seconds(appConfig.CacheTTLLong),
		},
		Workers:   appConfig.CacheWorkers,
		QueueSize: appConfig.CacheQueueSize,
	})
	defer responseCache.Close()

	checker := health.NewChecker(registry, health.Options{
		Interval:    helpers.Seconds(appConfig.HealthCheckInterval),
		Timeout:     helpers.Seconds(appConfig.HealthCheckTimeout),
		Concurrency: appConfig.HealthCheckConc,
		Store:       statusStore,
	})
	defer checker.Stop()

	gw := gateway.New(cfg, directory, registry, responseCache, checker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Int("interval_seconds", appConfig.HealthCheckInterval).Msg("Starting integrated health check service")
	go checker.Start(ctx)

	if appConfig.WarmupOnStart {
		scheduled := gw.WarmupAll(ctx)
		log.Info().Int("scheduled", scheduled).Msg("Scheduled cache warm-up")
	}

	srv := server.NewServer(gw, server.Options{
		Ready:         checker.IsReady,
		StatsInterval: helpers.Seconds(appConfig.StatsStreamInterval),
		CORS:          corsConfig,
	})

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(appConfig.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-stop
	log.Info().Msg("Shutting down server...")
	cancel()
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}
}
