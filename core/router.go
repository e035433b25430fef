package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/najoast/nexus/aeds"
	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/scheduler"
	"github.com/najoast/nexus/security"
	"github.com/najoast/nexus/telemetry"
)

// FloatSuffix names the sibling that absorbs traffic for an overloaded
// organ.
const FloatSuffix = "_float"

var ErrAlreadyStarted = errors.New("core: router already started")

type ReplayFilterConfig struct {
	Enabled       bool
	Capacity      uint
	FalsePositive float64
}

type RateLimitConfig struct {
	Enabled bool
	Rate    int64
	Burst   int64
	Window  time.Duration
}

// Config is the router's immutable configuration.
type Config struct {
	SystemURN       string
	LevitationSink  string
	ReasoningMarker string
	ExecutionURN    string

	HomeostasisInterval time.Duration
	EvolutionInterval   time.Duration

	// Zero thresholds take the DefaultConfig values.
	OverloadThreshold    float64
	DuplicationThreshold float64
	LevitationThreshold  float64

	EnforceTTL bool

	ReplayFilter ReplayFilterConfig
	RateLimit    RateLimitConfig
}

func DefaultConfig() Config {
	return Config{
		SystemURN:            "urn:nexus:core:system",
		LevitationSink:       "urn:nexus:organ:levitation",
		ReasoningMarker:      "reasoning",
		ExecutionURN:         "urn:nexus:organ:execution",
		HomeostasisInterval:  3 * time.Second,
		EvolutionInterval:    60 * time.Second,
		OverloadThreshold:    0.9,
		DuplicationThreshold: 0.8,
		LevitationThreshold:  0.5,
		ReplayFilter: ReplayFilterConfig{
			Enabled:       true,
			Capacity:      100000,
			FalsePositive: 0.001,
		},
	}
}

// Deps are the collaborators injected at construction. ACL, Detector,
// Scheduler and Bus are required.
type Deps struct {
	ACL       *security.Table
	Detector  *aeds.Detector
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Logger    *slog.Logger

	// Reasoner receives packets whose destination carries the reasoning
	// marker. Optional.
	Reasoner Organ

	// Reclaimer runs the clear_buffer remedy. Defaults to
	// debug.FreeOSMemory.
	Reclaimer func()
}

// Router routes packets between registered organs.
type Router struct {
	cfg       Config
	acl       *security.Table
	detector  *aeds.Detector
	sched     *scheduler.Scheduler
	bus       *bus.Bus
	logger    *slog.Logger
	reasoner  Organ
	reclaimer func()

	registry registry
	replay   *replayFilter
	limiter  *senderLimiter
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a router and registers its system endpoint at SystemURN.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.ACL == nil || deps.Detector == nil || deps.Scheduler == nil || deps.Bus == nil {
		return nil, errors.New("core: acl, detector, scheduler and bus are required")
	}
	if cfg.SystemURN == "" || cfg.LevitationSink == "" {
		return nil, errors.New("core: system urn and levitation sink are required")
	}
	def := DefaultConfig()
	if cfg.HomeostasisInterval <= 0 {
		cfg.HomeostasisInterval = def.HomeostasisInterval
	}
	if cfg.EvolutionInterval <= 0 {
		cfg.EvolutionInterval = def.EvolutionInterval
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = def.OverloadThreshold
	}
	if cfg.DuplicationThreshold <= 0 {
		cfg.DuplicationThreshold = def.DuplicationThreshold
	}
	if cfg.LevitationThreshold <= 0 {
		cfg.LevitationThreshold = def.LevitationThreshold
	}
	if cfg.ReplayFilter.Capacity == 0 {
		cfg.ReplayFilter.Capacity = def.ReplayFilter.Capacity
	}
	if cfg.ReplayFilter.FalsePositive <= 0 || cfg.ReplayFilter.FalsePositive >= 1 {
		cfg.ReplayFilter.FalsePositive = def.ReplayFilter.FalsePositive
	}

	r := &Router{
		cfg:       cfg,
		acl:       deps.ACL,
		detector:  deps.Detector,
		sched:     deps.Scheduler,
		bus:       deps.Bus,
		logger:    deps.Logger,
		reasoner:  deps.Reasoner,
		reclaimer: deps.Reclaimer,
		now:       time.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")
	if r.reclaimer == nil {
		r.reclaimer = debug.FreeOSMemory
	}

	if cfg.ReplayFilter.Enabled {
		r.replay = newReplayFilter(cfg.ReplayFilter.Capacity, cfg.ReplayFilter.FalsePositive)
	}
	if cfg.RateLimit.Enabled {
		l, err := newSenderLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		r.limiter = l
	}

	if _, err := r.registry.register(cfg.SystemURN, NewLogicOrgan(r.handleSystem)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) Config() Config { return r.cfg }

// Register adds an organ under address. Addresses are registered once.
func (r *Router) Register(address string, organ Organ) error {
	if address == "" {
		return errors.New("core: empty address")
	}
	e, err := r.registry.register(address, organ)
	if err != nil {
		return err
	}
	r.logger.Info("organ registered", "organ", address, "kind", e.kind)
	return nil
}

// Lookup returns the organ registered at address.
func (r *Router) Lookup(address string) (Organ, bool) {
	e, ok := r.registry.lookup(address)
	if !ok {
		return nil, false
	}
	return e.organ, true
}

// Registry lists the registered organs sorted by address.
func (r *Router) Registry() []RegistryEntry {
	return r.registry.describe()
}

// Start runs the homeostasis and evolution loops until Stop or ctx is done.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.loop(ctx, r.cfg.HomeostasisInterval, r.Homeostasis)
	go r.loop(ctx, r.cfg.EvolutionInterval, r.Evolve)

	r.logger.Info("router started",
		"homeostasis", r.cfg.HomeostasisInterval,
		"evolution", r.cfg.EvolutionInterval)
	return nil
}

// Stop clears the periodic loops. In-flight dispatches are left to the
// scheduler.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
		r.logger.Info("router stopped")
	}
}

func (r *Router) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Homeostasis runs one health sweep: organs that stopped answering are
// killed so their supervisors resurrect them, heavily loaded organs are
// logged as duplication candidates, and every organ is heartbeated.
func (r *Router) Homeostasis() {
	var killed, candidates []string

	for _, e := range r.registry.entries() {
		if e.kind == KindProcess && !e.liveness.IsAlive() {
			if err := e.killer.Kill(); err != nil {
				r.logger.Warn("kill of unresponsive organ failed", "organ", e.address, "error", err)
			} else {
				r.logger.Warn("organ unresponsive, killed for resurrection", "organ", e.address)
			}
			killed = append(killed, e.address)
		}

		if load := e.load(); load > r.cfg.DuplicationThreshold {
			r.logger.Info("organ is a duplication candidate", "organ", e.address, "load", load)
			candidates = append(candidates, e.address)
		}

		if e.heartbeat != nil {
			if err := e.heartbeat.SendHeartbeat(); err != nil {
				r.logger.Debug("heartbeat failed", "organ", e.address, "error", err)
			}
		}
	}

	st := r.sched.Stats()
	telemetry.ObserveScheduler(st.Queued, st.InFlight)

	r.bus.Emit(r.cfg.SystemURN, bus.TypeHomeostasis, map[string]any{
		"killed":     killed,
		"candidates": candidates,
		"queued":     st.Queued,
		"in_flight":  st.InFlight,
	})
}

// Evolve runs the antibody evolution hook and rotates the replay filter.
func (r *Router) Evolve() {
	if n := r.detector.Evolve(); n > 0 {
		r.logger.Info("antibodies evolved", "changed", n)
	}
	if r.replay != nil {
		r.replay.rotate()
	}
}

func (r *Router) String() string {
	return fmt.Sprintf("router(%s)", r.cfg.SystemURN)
}
