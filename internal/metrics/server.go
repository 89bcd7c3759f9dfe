package metrics

import (
	"fmt"
	"net/http"

	"chaingate/internal/cors"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StartServer starts a dedicated HTTP server in a goroutine to expose metrics.
func StartServer(port int, corsConfig cors.Config) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		addr := fmt.Sprintf(":%d", port)
		log.Info().Str("address", addr).Msg("Starting metrics server")

		if err := http.ListenAndServe(addr, cors.Middleware(corsConfig)(mux)); err != nil {
			log.Fatal().Err(err).Msg("Metrics server failed to start")
		}
	}()
}
