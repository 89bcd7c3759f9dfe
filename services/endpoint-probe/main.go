package main

import (
	"context"
	"os"
	"sort"

	"chaingate/internal/balancer"
	"chaingate/internal/config"
	"chaingate/internal/endpoints"
	"chaingate/internal/gateway"
	"chaingate/internal/health"
	"chaingate/internal/helpers"
	"chaingate/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Allow patching in tests
var (
	loadConfig     = config.LoadConfig
	loadDirectory  = endpoints.LoadDirectory
	newStatusStore = func(addr string, password string, useTLS bool, skipTLSVerify bool) store.StatusStore {
		return store.NewRedisClient(addr, password, useTLS, skipTLSVerify)
	}
)

// testCheckerPatch is a test hook for patching the Checker instance in tests
var testCheckerPatch func(*health.Checker)

// probeSettings are the parts of the loaded configuration the probe uses.
type probeSettings struct {
	ChainsDir           string
	PublicEndpointsFile string
	HealthCheckConc     int
	HealthCheckTimeout  int
	StatusStoreEnabled  bool
	RedisAddr           string
	RedisPass           string
	RedisUseTLS         bool
	RedisSkipTLSCheck   bool
}

// chainReport is the probe result of one chain.
type chainReport struct {
	Chain     string
	Endpoints int
	Reachable int
}

// RunProbe runs one health round over every configured chain and returns a
// report per chain, sorted by chain name.
func RunProbe(ctx context.Context, settings probeSettings) ([]chainReport, error) {
	cfg, err := loadConfig(settings.ChainsDir)
	if err != nil {
		return nil, err
	}
	directory, err := loadDirectory(settings.PublicEndpointsFile)
	if err != nil {
		return nil, err
	}

	var statusStore store.StatusStore
	if settings.StatusStoreEnabled {
		statusStore = newStatusStore(settings.RedisAddr, settings.RedisPass, settings.RedisUseTLS, settings.RedisSkipTLSCheck)
		if err := statusStore.Ping(ctx); err != nil {
			return nil, err
		}
		defer statusStore.Close()
	}

	registry := balancer.NewRegistry(balancer.DefaultOptions())
	checker := health.NewChecker(registry, health.Options{
		Timeout:     helpers.Seconds(settings.HealthCheckTimeout),
		Concurrency: settings.HealthCheckConc,
		Store:       statusStore,
	})
	defer checker.Stop()

	if testCheckerPatch != nil {
		testCheckerPatch(checker)
	}

	// No prober and no cache: the round below probes everything once.
	gw := gateway.New(cfg, directory, registry, nil, nil)
	names := gw.RegisterAll(ctx)
	checker.RunOnce(ctx)

	reports := make([]chainReport, 0, len(names))
	for _, name := range names {
		report := chainReport{Chain: name}
		if cb, ok := registry.Lookup(name); ok {
			for _, b := range []*balancer.Balancer{cb.API, cb.RPC} {
				for _, ep := range b.Tracker().Snapshot() {
					report.Endpoints++
					if ep.Reachable {
						report.Reachable++
					}
					logEndpoint(name, b.Protocol(), ep)
				}
			}
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Chain < reports[j].Chain })
	return reports, nil
}

func logEndpoint(chain string, protocol endpoints.Protocol, ep balancer.EndpointStats) {
	event := log.Info()
	if !ep.Reachable {
		event = log.Warn()
	}
	event.
		Str("chain", chain).
		Str("protocol", string(protocol)).
		Str("provider", ep.Provider).
		Str("endpoint", ep.Address).
		Int64("latency_ms", ep.LatencyMs).
		Bool("reachable", ep.Reachable).
		Msg("Endpoint probe")
}

// unhealthyChains returns the chains without a single reachable endpoint.
func unhealthyChains(reports []chainReport) []string {
	var out []string
	for _, r := range reports {
		if r.Reachable == 0 {
			out = append(out, r.Chain)
		}
	}
	return out
}

// main probes every configured endpoint once and exits
func main() {
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

	reports, err := RunProbe(context.Background(), probeSettings{
		ChainsDir:           appConfig.ChainsDir,
		PublicEndpointsFile: appConfig.PublicEndpointsFile,
		HealthCheckConc:     appConfig.HealthCheckConc,
		HealthCheckTimeout:  appConfig.HealthCheckTimeout,
		StatusStoreEnabled:  appConfig.StatusStoreEnabled,
		RedisAddr:           appConfig.RedisHost + ":" + appConfig.RedisPort,
		RedisPass:           appConfig.RedisPass,
		RedisUseTLS:         appConfig.RedisUseTLS,
		RedisSkipTLSCheck:   appConfig.RedisSkipTLSCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Endpoint probe failed")
	}

	for _, r := range reports {
		log.Info().Str("chain", r.Chain).Int("endpoints", r.Endpoints).Int("reachable", r.Reachable).Msg("Chain summary")
	}
	if unhealthy := unhealthyChains(reports); len(unhealthy) > 0 {
		log.Error().Strs("chains", unhealthy).Msg("Chains without a reachable endpoint")
		os.Exit(1)
	}
}
