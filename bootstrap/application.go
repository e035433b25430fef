package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/nexus/aeds"
	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/config"
	"github.com/najoast/nexus/core"
	"github.com/najoast/nexus/logging"
	"github.com/najoast/nexus/scheduler"
	"github.com/najoast/nexus/security"
	"github.com/najoast/nexus/synapse"
	"github.com/najoast/nexus/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	configFile string
	loader     *config.Loader
	reasoner   core.Organ
}

// WithConfigWatch reloads file through loader when it changes.
func WithConfigWatch(file string, loader *config.Loader) Option {
	return func(o *buildOptions) {
		o.configFile = file
		o.loader = loader
	}
}

// WithReasoner attaches the organ that receives reasoning traffic.
func WithReasoner(organ core.Organ) Option {
	return func(o *buildOptions) { o.reasoner = organ }
}

type registration struct {
	service Service
	deps    []string
}

// Application is a fully wired nexus process.
type Application struct {
	cfg       *config.Config
	logger    *logging.Logger
	router    *core.Router
	bus       *bus.Bus
	lifecycle *DefaultLifecycleManager
	monitor   *monitorService

	mutex   sync.Mutex
	running bool
}

// Build wires the router, its collaborators and the configured organs.
// Nothing runs until Run or Start.
func Build(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Application, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "build", Err: err}
	}

	acl, err := buildACL(cfg.Security)
	if err != nil {
		return nil, &ApplicationError{Operation: "build", Service: ServiceRouter, Err: err}
	}
	detector, err := buildDetector(cfg.AEDS)
	if err != nil {
		return nil, &ApplicationError{Operation: "build", Service: ServiceRouter, Err: err}
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		Interval:    cfg.Scheduler.Interval,
		QueueSize:   cfg.Scheduler.QueueSize,
	})
	signals := bus.New(cfg.Router.BusBuffer, bus.WithDropHandler(func(bus.Signal) {
		telemetry.BusDropped.Inc()
	}))

	router, err := core.New(routerConfig(cfg.Router), core.Deps{
		ACL:       acl,
		Detector:  detector,
		Scheduler: sched,
		Bus:       signals,
		Logger:    logger.Logger,
		Reasoner:  o.reasoner,
	})
	if err != nil {
		sched.Close()
		return nil, &ApplicationError{Operation: "build", Service: ServiceRouter, Err: err}
	}

	synapses, err := registerOrgans(cfg, router, logger)
	if err != nil {
		sched.Close()
		return nil, &ApplicationError{Operation: "build", Service: ServiceOrgans, Err: err}
	}

	telemetry.SetBuildInfo(cfg.App.Version)

	app := &Application{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       signals,
		lifecycle: NewLifecycleManager(logger.Logger),
	}

	services := []registration{
		{&routerService{router: router, sched: sched, bus: signals, logger: logger.With("component", "router-service")}, nil},
		{&organService{synapses: synapses}, []string{ServiceRouter}},
	}
	if cfg.Monitor.Enabled {
		app.monitor = &monitorService{
			cfg:    cfg.Monitor,
			router: router,
			health: app.lifecycle.Health,
			logger: logger.With("component", "monitor"),
		}
		services = append(services, registration{app.monitor, []string{ServiceRouter}})
	}
	if o.configFile != "" {
		loader := o.loader
		if loader == nil {
			loader = config.NewLoader()
		}
		watcher, err := config.NewWatcher(o.configFile, loader, logger.Logger)
		if err != nil {
			sched.Close()
			return nil, &ApplicationError{Operation: "build", Service: ServiceWatcher, Err: err}
		}
		services = append(services, registration{&watcherService{watcher: watcher, logger: logger}, nil})
	}

	for _, s := range services {
		if err := app.lifecycle.Register(s.service.Name(), s.service, s.deps...); err != nil {
			sched.Close()
			return nil, &ApplicationError{Operation: "build", Service: s.service.Name(), Err: err}
		}
	}
	return app, nil
}

func buildACL(cfg config.SecurityConfig) (*security.Table, error) {
	entries := make(map[string]security.Level, len(cfg.ACL))
	for urn, raw := range cfg.ACL {
		level, err := security.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("acl entry %s: %w", urn, err)
		}
		entries[urn] = level
	}
	return security.NewTable(entries), nil
}

// buildDetector compiles the configured antibodies, followed by the stock
// set when enabled.
func buildDetector(cfg config.AEDSConfig) (*aeds.Detector, error) {
	var table []aeds.Antibody
	for _, ab := range cfg.Antibodies {
		compiled, err := aeds.Compile(ab.Name, ab.Pattern, ab.Confidence, aeds.Remedy(ab.Remedy))
		if err != nil {
			return nil, err
		}
		table = append(table, compiled)
	}
	if cfg.UseDefaults {
		table = append(table, aeds.DefaultAntibodies()...)
	}
	return aeds.NewDetector(table), nil
}

func routerConfig(rc config.RouterConfig) core.Config {
	return core.Config{
		SystemURN:            rc.SystemURN,
		LevitationSink:       rc.LevitationSink,
		ReasoningMarker:      rc.ReasoningMarker,
		ExecutionURN:         rc.ExecutionURN,
		HomeostasisInterval:  rc.HomeostasisInterval,
		EvolutionInterval:    rc.EvolutionInterval,
		OverloadThreshold:    rc.OverloadThreshold,
		DuplicationThreshold: rc.DuplicationThreshold,
		LevitationThreshold:  rc.LevitationThreshold,
		EnforceTTL:           rc.EnforceTTL,
		ReplayFilter: core.ReplayFilterConfig{
			Enabled:       rc.ReplayFilter.Enabled,
			Capacity:      rc.ReplayFilter.Capacity,
			FalsePositive: rc.ReplayFilter.FalsePositive,
		},
		RateLimit: core.RateLimitConfig{
			Enabled: rc.RateLimit.Enabled,
			Rate:    rc.RateLimit.Rate,
			Burst:   rc.RateLimit.Burst,
			Window:  rc.RateLimit.Window,
		},
	}
}

// registerOrgans registers every configured organ with the router and
// returns the supervisors of the process organs. A sink is added at the
// levitation address unless one is configured.
func registerOrgans(cfg *config.Config, router *core.Router, logger *logging.Logger) ([]*synapse.Synapse, error) {
	var synapses []*synapse.Synapse
	events := router.OrganEvents()

	for _, oc := range cfg.Organs {
		var organ core.Organ
		switch oc.Kind {
		case config.OrganProcess:
			syn, err := synapse.New(synapse.Config{
				Address:           oc.Address,
				Command:           oc.Command,
				Args:              oc.Args,
				Env:               oc.Env,
				Dir:               oc.Dir,
				Supervisor:        cfg.Router.SystemURN,
				MaxAttempts:       cfg.Synapse.MaxAttempts,
				BaseDelay:         cfg.Synapse.BaseDelay,
				MaxDelay:          cfg.Synapse.MaxDelay,
				BufferCap:         cfg.Synapse.BufferCap,
				UndoDepth:         cfg.Synapse.UndoDepth,
				HeartbeatInterval: cfg.Synapse.HeartbeatInterval,
				LivenessWindow:    cfg.Synapse.LivenessWindow,
			}, events, synapse.WithLogger(logger.Logger))
			if err != nil {
				return nil, err
			}
			synapses = append(synapses, syn)
			organ = core.NewProcessOrgan(syn)
		case config.OrganSink:
			organ = router.SinkOrgan(oc.Address)
		case config.OrganSecurity:
			organ = router.PolicyOrgan(oc.Address, security.StaticPolicy{
				DeniedActions: cfg.Security.DeniedActions,
				Blocked:       cfg.Security.Blocked,
			})
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrInvalidOrgan, oc.Kind)
		}
		if err := router.Register(oc.Address, organ); err != nil {
			return nil, err
		}
	}

	sink := cfg.Router.LevitationSink
	if _, ok := router.Lookup(sink); !ok {
		if err := router.Register(sink, router.SinkOrgan(sink)); err != nil {
			return nil, err
		}
	}
	return synapses, nil
}

// Router returns the application's router.
func (app *Application) Router() *core.Router { return app.router }

// Bus returns the signal bus.
func (app *Application) Bus() *bus.Bus { return app.bus }

// Lifecycle returns the lifecycle manager.
func (app *Application) Lifecycle() LifecycleManager { return app.lifecycle }

// MonitorAddr returns the monitor's bound address, or "" when the monitor
// is disabled or not started.
func (app *Application) MonitorAddr() string {
	if app.monitor == nil {
		return ""
	}
	return app.monitor.Addr()
}

// Start starts every service.
func (app *Application) Start(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()
	if app.running {
		return errors.New("application is already running")
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.running = true
	app.logger.Info("nexus started",
		"name", app.cfg.App.Name,
		"version", app.cfg.App.Version,
		"environment", app.cfg.App.Environment,
		"organs", len(app.cfg.Organs))
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	app.logger.Info("shutting down", "cause", context.Cause(ctx))
	return app.Shutdown(context.Background())
}

// Shutdown stops every service.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()
	if !app.running {
		return nil
	}
	app.running = false

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := app.lifecycle.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	app.logger.Info("nexus stopped")
	return nil
}
