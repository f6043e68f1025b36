package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/jobflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive faults before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Guarded wraps a Provider with a circuit breaker. Faults returned by
// Execute count as failures; a remote job reported as FAILED does not, since
// the backend itself answered. While the circuit is open jobs fail fast with
// a ProviderFault and the backend is not contacted.
type Guarded struct {
	Provider

	mu       sync.Mutex
	config   BreakerConfig
	state    CircuitState
	failures int
	lastFail time.Time
	probes   int
	now      func() time.Time
}

// WithBreaker wraps p. Zero fields of cfg take their defaults.
func WithBreaker(p Provider, cfg BreakerConfig) *Guarded {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Guarded{Provider: p, config: cfg, now: time.Now}
}

// Execute runs the job on the wrapped provider when the circuit allows it.
func (g *Guarded) Execute(ctx context.Context, req *Request) (*schema.JobResult, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	res, err := g.Provider.Execute(ctx, req)
	switch {
	case err == nil:
		g.recordSuccess()
	case ctx.Err() == nil:
		g.recordFailure()
	default:
		// Cancellation and job deadlines are not the backend's fault.
		g.releaseProbe()
	}
	return res, err
}

// State returns the current circuit state.
func (g *Guarded) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == CircuitOpen && g.now().Sub(g.lastFail) >= g.config.Cooldown {
		g.state = CircuitHalfOpen
		g.probes = 0
	}
	return g.state
}

func (g *Guarded) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case CircuitOpen:
		if g.now().Sub(g.lastFail) >= g.config.Cooldown {
			g.state = CircuitHalfOpen
			g.probes = 1 // this request counts as the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeProviderFault,
			"provider %s: circuit open after %d consecutive faults", g.Name(), g.failures).
			WithDetails(map[string]any{
				"provider":             g.Name(),
				"consecutive_failures": g.failures,
				"state":                g.state.String(),
				"cooldown_remaining":   (g.config.Cooldown - g.now().Sub(g.lastFail)).String(),
			})

	case CircuitHalfOpen:
		if g.probes >= g.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeProviderFault,
				"provider %s: circuit half-open, probe already in flight", g.Name())
		}
		g.probes++
	}
	return nil
}

func (g *Guarded) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.probes = 0
	g.state = CircuitClosed
}

// releaseProbe frees a half-open slot taken by a call that ended without a verdict.
func (g *Guarded) releaseProbe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == CircuitHalfOpen && g.probes > 0 {
		g.probes--
	}
}

func (g *Guarded) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.lastFail = g.now()

	if g.state == CircuitHalfOpen || g.failures >= g.config.FailureThreshold {
		g.state = CircuitOpen
	}
}
