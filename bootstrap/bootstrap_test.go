package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/najoast/nexus/config"
	"github.com/najoast/nexus/core"
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/logging"
	"github.com/najoast/nexus/synapse"
)

// TestService is a simple service implementation for testing
type TestService struct {
	name     string
	startErr error
	journal  *journal

	mu      sync.Mutex
	started bool
	stopped bool
}

// journal records the order services start and stop in
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (s *TestService) Name() string {
	return s.name
}

func (s *TestService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.journal.add("start " + s.name)
	return nil
}

func (s *TestService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.journal.add("stop " + s.name)
	return nil
}

func (s *TestService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.stopped {
		return HealthStatus{State: HealthHealthy, Message: "Service is running"}, nil
	}
	return HealthStatus{State: HealthUnhealthy, Message: "Service is not running"}, nil
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewWithWriter(config.LogConfig{Level: config.LogLevelError, Format: "text"}, io.Discard)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return l
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLifecycleManager(t *testing.T) {
	lm := NewLifecycleManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	testService := &TestService{name: "test"}

	if err := lm.Register("test", testService); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	if err := lm.Register("test", testService); err == nil {
		t.Error("Duplicate registration should fail")
	}

	ctx := testContext(t)
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	if !testService.started {
		t.Error("Test service should be started")
	}
	if err := lm.Register("late", &TestService{name: "late"}); err == nil {
		t.Error("Registration after start should fail")
	}

	health, err := lm.Health(ctx)
	if err != nil {
		t.Fatalf("Failed to get health status: %v", err)
	}
	if health["test"].State != HealthHealthy {
		t.Errorf("Expected healthy state, got %v", health["test"].State)
	}
	if health["test"].LastCheck.IsZero() {
		t.Error("Health status should be stamped")
	}

	if err := lm.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop services: %v", err)
	}
	if !testService.stopped {
		t.Error("Test service should be stopped")
	}
}

func TestLifecycleDependencyOrder(t *testing.T) {
	lm := NewLifecycleManager(nil)
	j := &journal{}

	lm.Register("monitor", &TestService{name: "monitor", journal: j}, "router")
	lm.Register("organs", &TestService{name: "organs", journal: j}, "router")
	lm.Register("router", &TestService{name: "router", journal: j})

	ctx := testContext(t)
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	if err := lm.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop services: %v", err)
	}

	want := []string{
		"start router", "start monitor", "start organs",
		"stop organs", "stop monitor", "stop router",
	}
	got := j.list()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestLifecycleRollsBackFailedStart(t *testing.T) {
	lm := NewLifecycleManager(nil)
	j := &journal{}
	boom := errors.New("boom")

	lm.Register("router", &TestService{name: "router", journal: j})
	lm.Register("organs", &TestService{name: "organs", journal: j, startErr: boom}, "router")

	err := lm.Start(testContext(t))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected start error to wrap boom, got %v", err)
	}
	var appErr *ApplicationError
	if !errors.As(err, &appErr) || appErr.Service != "organs" {
		t.Errorf("Expected ApplicationError for organs, got %v", err)
	}

	want := []string{"start router", "stop router"}
	if got := j.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if lm.IsStarted() {
		t.Error("Lifecycle should not be started after a failed start")
	}
}

func TestLifecycleDependencyErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(lm *DefaultLifecycleManager)
	}{
		{
			name: "missing dependency",
			setup: func(lm *DefaultLifecycleManager) {
				lm.Register("organs", &TestService{name: "organs"}, "router")
			},
		},
		{
			name: "cycle",
			setup: func(lm *DefaultLifecycleManager) {
				lm.Register("a", &TestService{name: "a"}, "b")
				lm.Register("b", &TestService{name: "b"}, "a")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := NewLifecycleManager(nil)
			tt.setup(lm)
			if err := lm.Start(testContext(t)); err == nil {
				t.Error("Expected start to fail")
			}
		})
	}
}

func TestLifecycleEvents(t *testing.T) {
	lm := NewLifecycleManager(nil)
	lm.Register("router", &TestService{name: "router"})

	got := make(chan string, 32)
	lm.AddListener(func(e LifecycleEvent) { got <- e.Type })

	if err := lm.Start(testContext(t)); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case typ := <-got:
			if typ == "lifecycle.started" {
				return
			}
		case <-deadline:
			t.Fatal("lifecycle.started was never delivered to the listener")
		}
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitor.Enabled = false
	cfg.Router.HomeostasisInterval = time.Hour
	return cfg
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Concurrency = 0

	_, err := Build(cfg, quietLogger(t))
	if !errors.Is(err, config.ErrInvalidConcurrency) {
		t.Errorf("Expected ErrInvalidConcurrency, got %v", err)
	}
}

func TestBuildRegistersOrgans(t *testing.T) {
	cfg := testConfig()
	cfg.Organs = []config.OrganConfig{
		{Address: "urn:nexus:organ:security", Kind: config.OrganSecurity},
		{Address: "urn:nexus:organ:audit", Kind: config.OrganSink},
		{Address: "urn:nexus:organ:shell", Kind: config.OrganProcess, Command: "/bin/sh", Args: []string{"-c", "exec sleep 30"}},
	}

	app, err := Build(cfg, quietLogger(t))
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}

	kinds := map[string]string{}
	for _, e := range app.Router().Registry() {
		kinds[e.Address] = e.Kind
	}
	want := map[string]string{
		cfg.Router.SystemURN:       "logic",
		cfg.Router.LevitationSink:  "logic",
		"urn:nexus:organ:security": "logic",
		"urn:nexus:organ:audit":    "logic",
		"urn:nexus:organ:shell":    "process",
	}
	for addr, kind := range want {
		if kinds[addr] != kind {
			t.Errorf("Expected %s to be a %s organ, got %q", addr, kind, kinds[addr])
		}
	}

	services := app.Lifecycle().Services()
	if strings.Join(services, ",") != "organs,router" {
		t.Errorf("Expected organs and router services, got %v", services)
	}
}

// TestOrganRoundTrip runs a child that asks the router for the registry
// and writes the reply it reads on stdin to a file.
func TestOrganRoundTrip(t *testing.T) {
	const organ = "urn:nexus:organ:shell"
	cfg := testConfig()
	cfg.Monitor.Enabled = true
	cfg.Monitor.Address = "127.0.0.1:0"

	query := kpp.New(organ, cfg.Router.SystemURN, kpp.IntentQuery, nil, kpp.WithOpCode(core.OpRegistry))
	data, err := kpp.Marshal(query)
	if err != nil {
		t.Fatalf("Failed to marshal query: %v", err)
	}
	out := filepath.Join(t.TempDir(), "reply")

	cfg.Organs = []config.OrganConfig{{
		Address: organ,
		Kind:    config.OrganProcess,
		Command: "/bin/sh",
		Args:    []string{"-c", `printf '%s\n' "$PKT"; IFS= read -r line; printf '%s\n' "$line" > "$OUT"; exec sleep 30`},
		Env:     []string{"PKT=" + string(data), "OUT=" + out},
	}}

	app, err := Build(cfg, quietLogger(t))
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	ctx := testContext(t)
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	var reply *kpp.Packet
	deadline := time.Now().Add(5 * time.Second)
	for reply == nil && time.Now().Before(deadline) {
		if raw, err := os.ReadFile(out); err == nil && len(raw) > 0 && raw[len(raw)-1] == '\n' {
			reply, err = kpp.Parse(raw[:len(raw)-1])
			if err != nil {
				t.Fatalf("Failed to parse reply: %v", err)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reply == nil {
		t.Fatal("Organ never received a reply")
	}
	if reply.Instruction.Intent != kpp.IntentResponse {
		t.Errorf("Expected RESPONSE, got %s", reply.Instruction.Intent)
	}
	if reply.Nexus.CorrelationID != query.Nexus.ID {
		t.Errorf("Expected correlation %s, got %s", query.Nexus.ID, reply.Nexus.CorrelationID)
	}

	base := "http://" + app.MonitorAddr()

	resp, err := http.Get(base + cfg.Monitor.RegistryPath)
	if err != nil {
		t.Fatalf("Failed to query registry: %v", err)
	}
	var entries []core.RegistryEntry
	err = json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to decode registry: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Address == organ {
			found = e.Alive && e.Kind == "process"
		}
	}
	if !found {
		t.Errorf("Expected a live process organ %s in %+v", organ, entries)
	}

	resp, err = http.Get(base + cfg.Monitor.HealthPath)
	if err != nil {
		t.Fatalf("Failed to query health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from health, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + cfg.Monitor.MetricsPath)
	if err != nil {
		t.Fatalf("Failed to query metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "nexus_packets_ingested_total") {
		t.Error("Expected router metrics in the exposition")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Failed to shut down: %v", err)
	}
	if _, err := http.Get(base + cfg.Monitor.HealthPath); err == nil {
		t.Error("Monitor should not answer after shutdown")
	}
}

func TestOrganHealthStartingBeforeFirstSpawn(t *testing.T) {
	syn, err := synapse.New(synapse.Config{
		Address:   "urn:nexus:organ:slow",
		Command:   "/bin/sh",
		Args:      []string{"-c", "exec sleep 30"},
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	}, synapse.Events{})
	if err != nil {
		t.Fatalf("Failed to create synapse: %v", err)
	}
	svc := &organService{synapses: []*synapse.Synapse{syn}}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start organs: %v", err)
	}
	status, _ := svc.Health(context.Background())
	if status.State != HealthStarting {
		t.Errorf("Expected %s before the first spawn, got %s", HealthStarting, status.State)
	}

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop organs: %v", err)
	}
	status, _ = svc.Health(context.Background())
	if status.State != HealthCritical {
		t.Errorf("Expected %s after stop, got %s", HealthCritical, status.State)
	}
}

func TestConfigWatchChangesLogLevel(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nexus.yaml")
	if err := os.WriteFile(file, []byte("log:\n  level: info\nmonitor:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader := config.NewLoader().SetEnvLookup(func(string) (string, bool) { return "", false })
	cfg, err := loader.LoadFromFile(file)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	logger := quietLogger(t)
	logger.SetLevel(cfg.Log.Level)

	app, err := Build(cfg, logger, WithConfigWatch(file, loader))
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	if err := app.Start(testContext(t)); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	if err := os.WriteFile(file, []byte("log:\n  level: debug\nmonitor:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if logger.LevelVar().Level() == slog.LevelDebug {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("Expected log level debug after reload, got %v", logger.LevelVar().Level())
}
