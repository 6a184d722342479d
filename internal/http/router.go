// v2
// internal/http/router.go
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/locator"
)

// Locator is the subset of locator.Service used by the handlers.
type Locator interface {
	Store() *fingerprint.Store
	Reload(ctx context.Context) (locator.ReloadReport, error)
	Evaluate(scan ingest.Scan) locator.Outcome
	Decoder() *ingest.Decoder
}

// LatestSource exposes the most recently published outcome.
type LatestSource interface {
	Get() (locator.Outcome, bool)
}

// Pinger checks that the fingerprint database still answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// readyPingTimeout bounds the database check done by /health/ready.
const readyPingTimeout = 2 * time.Second

// Deps groups the router collaborators. Database, Metrics and Requests may
// be nil.
type Deps struct {
	Logger   *slog.Logger
	Health   *HealthState
	Locator  Locator
	Latest   LatestSource
	Database Pinger
	Metrics  http.Handler
	Requests RequestObserver
}

// NewRouter wires every route exposed by the locator.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/health", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/live", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", healthReadyHandler(d.Logger, d.Health, d.Locator, d.Database)).Methods(http.MethodGet)
	r.Handle("/location", locationHandler(d.Latest)).Methods(http.MethodGet)
	r.Handle("/fingerprints", fingerprintsHandler(d.Locator)).Methods(http.MethodGet)
	r.Handle("/fingerprints/reload", reloadHandler(d.Logger, d.Locator)).Methods(http.MethodPost)
	r.Handle("/classify", classifyHandler(d.Logger, d.Locator)).Methods(http.MethodPost)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	if d.Requests != nil {
		r.Use(instrument(d.Requests))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writePlain(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writePlain(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func healthLiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePlain(w, http.StatusOK, "OK")
	})
}

func healthReadyHandler(log *slog.Logger, health *HealthState, loc Locator, db Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !health.Ready() || loc.Store() == nil {
			writePlain(w, http.StatusServiceUnavailable, "NOT_READY")
			return
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				log.Warn("readiness_db_ping_failed", slog.Any("err", err))
				writePlain(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE")
				return
			}
		}
		writePlain(w, http.StatusOK, "OK")
	})
}

func writePlain(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
