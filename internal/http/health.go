// v1
// internal/http/health.go
package httpserver

import "sync"

// HealthState tracks readiness. Liveness is implied by the process
// answering; readiness is set once the fingerprint store is loaded and the
// server is listening, and cleared again on shutdown.
type HealthState struct {
	mu    sync.RWMutex
	ready bool
}

// NewHealthState returns a tracker that starts not ready.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips the readiness flag.
func (h *HealthState) SetReady(value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = value
}

// Ready reports the current readiness flag.
func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}
