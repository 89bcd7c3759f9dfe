package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chaingate/internal/balancer"
	"chaingate/internal/cache"
	"chaingate/internal/cors"
	"chaingate/internal/endpoints"
	"chaingate/internal/gateway"
	"chaingate/internal/helpers"
	"chaingate/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Query parameters consumed by the gateway itself and never forwarded upstream.
const (
	paramTier     = "tier"
	paramCache    = "cache"
	paramAttempts = "attempts"
	paramQuery    = "query"
)

const (
	defaultStatsInterval = 2 * time.Second
	wsWriteWait          = 10 * time.Second
)

// Options configure a Server.
type Options struct {
	// Ready reports whether the first health round has completed. Nil means always ready.
	Ready         func() bool
	StatsInterval time.Duration
	CORS          cors.Config
}

// Server exposes the gateway over HTTP.
type Server struct {
	gateway       *gateway.Gateway
	httpServer    *http.Server
	router        *mux.Router
	ready         func() bool
	statsInterval time.Duration
	upgrader      websocket.Upgrader
}

// NewServer creates a new server instance
func NewServer(gw *gateway.Gateway, opts Options) *Server {
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	s := &Server{
		gateway:       gw,
		router:        mux.NewRouter(),
		ready:         opts.Ready,
		statsInterval: opts.StatsInterval,
	}
	corsCfg := opts.CORS
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return corsCfg.AllowsOrigin(r.Header.Get("Origin"))
		},
	}

	s.router.Use(metrics.Middleware)
	s.router.Use(mux.MiddlewareFunc(cors.Middleware(corsCfg)))
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures the HTTP routes. Fixed paths are registered before
// the {chain} patterns so "cache" and "balancers" are never read as chain names.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chains", s.handleChains).Methods("GET", "OPTIONS")

	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET", "OPTIONS")
	api.HandleFunc("/cache/stats/ws", s.handleCacheStatsStream).Methods("GET")
	api.HandleFunc("/cache", s.handleCacheInvalidate).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/cache/warmup/{chain}", s.handleWarmup).Methods("POST", "OPTIONS")

	api.HandleFunc("/balancers/stats", s.handleBalancerStats).Methods("GET", "OPTIONS")
	api.HandleFunc("/balancers/{chain}", s.handleClearBalancer).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/{chain}/endpoints", s.handleEndpoints).Methods("GET", "OPTIONS")
	api.HandleFunc("/{chain}/rest/{path:.*}", s.handleREST).Methods("GET", "OPTIONS")
	api.HandleFunc("/{chain}/rpc/{method}", s.handleRPC).Methods("GET", "OPTIONS")
	api.HandleFunc("/{chain}/search/{method}", s.handleSearch).Methods("GET", "OPTIONS")
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.gateway.Chains(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	eps, err := s.gateway.Endpoints(chain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateway.ChainEndpoints{
		API: redactAll(eps.API),
		RPC: redactAll(eps.RPC),
	})
}

func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	opts, err := requestOptions(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	path := "/" + strings.TrimPrefix(vars["path"], "/")
	if query := forwardedQuery(r).Encode(); query != "" {
		path += "?" + query
	}

	body, err := s.gateway.REST(r.Context(), vars["chain"], path, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, body)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	opts, err := requestOptions(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	body, err := s.gateway.RPC(r.Context(), vars["chain"], vars["method"], flatten(forwardedQuery(r)), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, body)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	opts, err := requestOptions(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	queries := r.URL.Query()[paramQuery]
	if len(queries) == 0 {
		writeBadRequest(w, "at least one query parameter is required")
		return
	}
	variants := make([]map[string]string, 0, len(queries))
	for _, q := range queries {
		variants = append(variants, map[string]string{paramQuery: q})
	}

	forwarded := forwardedQuery(r)
	forwarded.Del(paramQuery)

	body, err := s.gateway.Search(r.Context(), vars["chain"], vars["method"], flatten(forwarded), variants, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, body)
}

type cacheStatsResponse struct {
	Summary cache.Summary `json:"summary"`
	Tiers   cache.Stats   `json:"tiers"`
}

func (s *Server) cacheStats() cacheStatsResponse {
	stats := s.gateway.Cache().Stats()
	return cacheStatsResponse{Summary: stats.Summary(), Tiers: stats}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cacheStats())
}

// handleCacheStatsStream pushes the cache stats document every statsInterval
// until the client disconnects.
func (s *Server) handleCacheStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to upgrade stats stream")
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
					log.Debug().Msg("Stats stream closed by client")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(s.cacheStats()); err != nil {
			log.Debug().Err(err).Msg("Failed to write stats frame")
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeBadRequest(w, "pattern parameter is required")
		return
	}

	var removed int
	if useRegex, _ := strconv.ParseBool(r.URL.Query().Get("regex")); useRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			writeBadRequest(w, "invalid regular expression: "+err.Error())
			return
		}
		removed = s.gateway.Cache().InvalidateRegexp(re)
	} else {
		removed = s.gateway.Cache().InvalidatePattern(pattern)
	}

	log.Info().Str("pattern", pattern).Int("removed", removed).Msg("Invalidated cache entries")
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "removed": removed})
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	scheduled, err := s.gateway.Warmup(context.WithoutCancel(r.Context()), chain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"chain": chain, "scheduled": scheduled})
}

func (s *Server) handleBalancerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Balancers().Stats())
}

func (s *Server) handleClearBalancer(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	writeJSON(w, http.StatusOK, map[string]any{"chain": chain, "cleared": s.gateway.ClearChain(chain)})
}

// requestOptions reads the cache and retry control parameters.
func requestOptions(r *http.Request) (gateway.Options, error) {
	opts := gateway.DefaultOptions()
	q := r.URL.Query()

	if v := q.Get(paramTier); v != "" {
		tier, err := cache.ParseTier(v)
		if err != nil {
			return opts, err
		}
		opts.Tier = tier
	}

	mode, err := gateway.ParseMode(q.Get(paramCache))
	if err != nil {
		return opts, err
	}
	opts.Mode = mode

	if v := q.Get(paramAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, errors.New("attempts must be a positive integer")
		}
		opts.MaxAttempts = n
	}
	return opts, nil
}

// forwardedQuery returns the query without the control parameters.
func forwardedQuery(r *http.Request) url.Values {
	q := r.URL.Query()
	q.Del(paramTier)
	q.Del(paramCache)
	q.Del(paramAttempts)
	return q
}

// flatten keeps the first value of each parameter.
func flatten(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}

func redactAll(eps []endpoints.Endpoint) []endpoints.Endpoint {
	out := make([]endpoints.Endpoint, len(eps))
	for i, ep := range eps {
		out[i] = endpoints.Endpoint{Address: helpers.RedactAPIKey(ep.Address), Provider: ep.Provider}
	}
	return out
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps a gateway error to its HTTP status. A FetchError wraps its
// last attempt error, so a fetch that ended on a deadline maps to 504.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnknownChain):
		return http.StatusNotFound
	case errors.Is(err, balancer.ErrNoEndpoints):
		return http.StatusServiceUnavailable
	case errors.Is(err, balancer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, balancer.ErrExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: http.StatusText(http.StatusBadRequest), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
