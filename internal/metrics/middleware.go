package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Middleware instruments gateway routes with Prometheus metrics. Requests are
// labelled with the mux route template (e.g. "/api/{chain}/rpc/{method}") so that
// chain names and RPC methods do not explode the label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		start := time.Now()
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		// Hijacked connections are websocket streams, their lifetime is not a request duration.
		if rw.hijacked {
			return
		}
		code := strconv.Itoa(rw.statusCode)
		method := strings.ToUpper(r.Method)
		HTTPRequestDuration.WithLabelValues(code, method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(code, method, route).Inc()
	})
}

// responseWriter captures the status code written by a handler
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	hijacked    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.hijacked || rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.hijacked {
		return len(b), nil
	}
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush lets streaming handlers push partial responses through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so the stats websocket can upgrade through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker is not implemented by the underlying http.ResponseWriter")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}
