// v1
// internal/circuitbreaker/circuitbreaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // successes required in HalfOpen before closing
}

// Breaker guards an operation against a repeatedly failing dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	recentFails int
	halfOpenOK  int
	openedAt    time.Time

	probe func(ctx context.Context) error
}

// New builds a closed breaker. probe is optional and runs before the first
// call allowed through after ResetTimeout.
func New(name string, cfg Config, logger *slog.Logger, probe func(ctx context.Context) error) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", name)),
		now:    time.Now,
		state:  Closed,
		probe:  probe,
	}
	b.logger.Info("breaker_created", "state", Closed.String(), "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String())
	return b
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			since := b.now().Sub(b.openedAt)
			b.mu.Unlock()
			b.logger.Warn("breaker_fast_fail", "since_open", since.String())
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenOK = 0
		b.mu.Unlock()
		if err := b.runProbe(ctx); err != nil {
			return ErrOpen
		}
	} else {
		b.mu.Unlock()
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	if b.onFailure(err) {
		return ErrOpen
	}
	return err
}

func (b *Breaker) runProbe(ctx context.Context) error {
	if b.probe == nil {
		return nil
	}
	b.logger.Info("breaker_probe_start")
	if err := b.probe(ctx); err != nil {
		b.logger.Warn("breaker_probe_failed", "error", err.Error())
		b.mu.Lock()
		b.state = Open
		b.openedAt = b.now()
		b.mu.Unlock()
		return err
	}
	b.logger.Info("breaker_probe_ok")
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails = 0
	if b.state != HalfOpen {
		return
	}
	b.halfOpenOK++
	if b.halfOpenOK >= b.cfg.SuccessesToClose {
		b.state = Closed
		b.halfOpenOK = 0
		b.logger.Info("breaker_state_to_closed")
	}
}

// onFailure records err and reports whether the breaker is now open.
func (b *Breaker) onFailure(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.logger.Warn("operation_failure", "failures", b.recentFails, "error", err.Error())
	if b.state == HalfOpen || b.recentFails >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = b.now()
		b.halfOpenOK = 0
		b.logger.Error("breaker_opened", "maxFailures", b.cfg.MaxFailures)
		return true
	}
	return false
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
