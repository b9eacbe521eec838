package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger logs each control API request. Probe and scrape endpoints are
// demoted to debug so a UI polling /health does not drown out the
// engine's own logs.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	log := logger.With().Str("component", "api").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				evt := log.Info()
				if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
					evt = log.Debug()
				}
				evt.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("api request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
