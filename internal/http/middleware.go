// v2
// internal/http/middleware.go
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RequestObserver counts served requests per route template.
type RequestObserver interface {
	ObserveHTTP(route string, code int)
}

// WrapWithLogging decorates next with panic recovery, permissive CORS for
// the dashboard and a structured access log.
func WrapWithLogging(logger *slog.Logger, next http.Handler) http.Handler {
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: logger}),
		handlers.PrintRecoveryStack(false),
	)(next)
	withCORS := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(recovered)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		withCORS.ServeHTTP(rw, r)
		logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.String("duration", time.Since(start).String()),
		)
	})
}

// instrument is a router middleware that labels requests with the matched
// route template, so path parameters never explode metric cardinality.
func instrument(obs RequestObserver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			obs.ObserveHTTP(route, rw.status)
		})
	}
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(args ...any) {
	l.log.Error("http_handler_panic", slog.Any("panic", args))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader stores the status code so the middleware can log it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
