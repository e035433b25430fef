package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/config"
	"github.com/najoast/nexus/core"
	"github.com/najoast/nexus/logging"
	"github.com/najoast/nexus/scheduler"
	"github.com/najoast/nexus/synapse"
	"github.com/najoast/nexus/telemetry"
)

// Service names.
const (
	ServiceRouter  = "router"
	ServiceOrgans  = "organs"
	ServiceMonitor = "monitor"
	ServiceWatcher = "config-watcher"
)

// routerService runs the router's periodic loops and owns the scheduler
// and the signal bus.
type routerService struct {
	router *core.Router
	sched  *scheduler.Scheduler
	bus    *bus.Bus
	logger *slog.Logger
}

func (s *routerService) Name() string { return ServiceRouter }

func (s *routerService) Start(ctx context.Context) error {
	return s.router.Start(context.WithoutCancel(ctx))
}

func (s *routerService) Stop(ctx context.Context) error {
	s.router.Stop()
	if err := s.sched.Wait(ctx); err != nil {
		s.logger.Warn("scheduler did not drain before shutdown", "error", err)
	}
	if dropped := s.sched.Close(); dropped > 0 {
		s.logger.Warn("pending packets discarded at shutdown", "count", dropped)
	}
	s.bus.Close()
	return nil
}

func (s *routerService) Health(ctx context.Context) (HealthStatus, error) {
	st := s.sched.Stats()
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"queued":          st.Queued,
			"in_flight":       st.InFlight,
			"completed":       st.Completed,
			"failed":          st.Failed,
			"rejected":        st.Rejected,
			"bus_subscribers": s.bus.Subscribers(),
			"bus_dropped":     s.bus.Dropped(),
		},
	}, nil
}

// organService supervises the process organs.
type organService struct {
	synapses []*synapse.Synapse
}

func (s *organService) Name() string { return ServiceOrgans }

func (s *organService) Start(ctx context.Context) error {
	for _, syn := range s.synapses {
		// Supervision outlives the start timeout; Stop ends it.
		if err := syn.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("organ %s: %w", syn.Address(), err)
		}
	}
	return nil
}

func (s *organService) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, syn := range s.synapses {
		g.Go(func() error {
			syn.Stop()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("organs did not stop: %w", ctx.Err())
	}
}

func (s *organService) Health(ctx context.Context) (HealthStatus, error) {
	organs := make(map[string]any, len(s.synapses))
	alive, spawning := 0, 0
	for _, syn := range s.synapses {
		m := syn.Metrics()
		organs[m.Address] = m
		switch {
		case syn.IsAlive():
			alive++
		case syn.State() == synapse.StateSpawning:
			spawning++
		}
	}

	status := HealthStatus{
		State:   HealthHealthy,
		Message: fmt.Sprintf("%d/%d organs alive", alive, len(s.synapses)),
		Data:    map[string]any{"organs": organs},
	}
	switch {
	case alive == len(s.synapses):
	case alive+spawning == len(s.synapses):
		status.State = HealthStarting
	case alive == 0 && spawning == 0:
		status.State = HealthCritical
	default:
		status.State = HealthUnhealthy
	}
	return status, nil
}

// monitorService serves metrics, health and the organ registry over HTTP.
type monitorService struct {
	cfg    config.MonitorConfig
	router *core.Router
	health func(context.Context) (map[string]HealthStatus, error)
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func (s *monitorService) Name() string { return ServiceMonitor }

func (s *monitorService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, telemetry.Instrument(s.cfg.MetricsPath, telemetry.MetricsHandler()))
	mux.Handle(s.cfg.HealthPath, telemetry.Instrument(s.cfg.HealthPath, http.HandlerFunc(s.serveHealth)))
	mux.Handle(s.cfg.RegistryPath, telemetry.Instrument(s.cfg.RegistryPath, http.HandlerFunc(s.serveRegistry)))
	return mux
}

func (s *monitorService) serveHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	for _, status := range health {
		if status.State == HealthCritical {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

func (s *monitorService) serveRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Registry())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *monitorService) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", s.cfg.Address, err)
	}
	server := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server stopped", "error", err)
		}
	}()
	s.logger.Info("monitor listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *monitorService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *monitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *monitorService) Health(ctx context.Context) (HealthStatus, error) {
	if addr := s.Addr(); addr != "" {
		return HealthStatus{State: HealthHealthy, Data: map[string]any{"address": addr}}, nil
	}
	return HealthStatus{State: HealthStopped}, nil
}

// watcherService applies hot-reloadable settings from the config file.
// Only the log level takes effect without a restart.
type watcherService struct {
	watcher *config.Watcher
	logger  *logging.Logger
}

func (s *watcherService) Name() string { return ServiceWatcher }

func (s *watcherService) Start(ctx context.Context) error {
	s.watcher.OnConfigChange(func(old, updated *config.Config) {
		if old.Log.Level != updated.Log.Level {
			s.logger.SetLevel(updated.Log.Level)
			s.logger.Info("log level changed", "from", old.Log.Level, "to", updated.Log.Level)
		}
	})
	return s.watcher.Start()
}

func (s *watcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"log_level": s.watcher.GetConfig().Log.Level},
	}, nil
}
