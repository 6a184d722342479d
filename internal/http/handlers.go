// v0
// internal/http/handlers.go
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/publish"
)

const maxClassifyBody = 1 << 20

type roomDTO struct {
	Label        string `json:"label"`
	Fingerprints int    `json:"fingerprints"`
}

type storeDTO struct {
	Version  uint64    `json:"version"`
	LoadedAt time.Time `json:"loadedAt"`
	Total    int       `json:"total"`
	Rooms    []roomDTO `json:"rooms"`
}

type errorDTO struct {
	Error  string        `json:"error"`
	Format ingest.Format `json:"expectedFormat,omitempty"`
}

func locationHandler(latest LatestSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, ok := latest.Get()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, publish.ToDTO(out))
	})
}

func fingerprintsHandler(loc Locator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store := loc.Store()
		summary := store.Summary()
		rooms := make([]roomDTO, 0, len(summary))
		for _, rc := range summary {
			rooms = append(rooms, roomDTO{Label: rc.Label, Fingerprints: rc.Fingerprints})
		}
		writeJSON(w, http.StatusOK, storeDTO{
			Version:  store.Version(),
			LoadedAt: store.LoadedAt(),
			Total:    store.Len(),
			Rooms:    rooms,
		})
	})
}

func reloadHandler(logger *slog.Logger, loc Locator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report, err := loc.Reload(r.Context())
		if err != nil {
			logger.Warn("http_reload_failed", slog.Any("err", err))
			writeJSON(w, http.StatusServiceUnavailable, errorDTO{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
}

func classifyHandler(logger *slog.Logger, loc Locator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxClassifyBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorDTO{Error: "payload too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorDTO{Error: "read body: " + err.Error()})
			return
		}
		dec := loc.Decoder()
		scan, err := dec.Decode(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorDTO{Error: err.Error(), Format: dec.Format()})
			return
		}
		if len(scan.Snapshot) == 0 {
			writeJSON(w, http.StatusUnprocessableEntity, errorDTO{Error: "scan contains no readings"})
			return
		}
		out := loc.Evaluate(scan)
		logger.Debug("http_classify", slog.String("label", out.Result.Label), slog.Bool("uncertain", out.Result.Uncertain))
		writeJSON(w, http.StatusOK, publish.ToDTO(out))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
