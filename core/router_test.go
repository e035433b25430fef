package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/nexus/aeds"
	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/scheduler"
	"github.com/najoast/nexus/security"
)

const (
	adminURN  = "urn:nexus:organ:admin"
	workerURN = "urn:nexus:organ:worker"
	clientURN = "urn:nexus:organ:client"
)

// recorder is a logic organ that keeps what it receives.
type recorder struct {
	mu  sync.Mutex
	got []*kpp.Packet
	err error
}

func (r *recorder) Send(p *kpp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return r.err
}

func (r *recorder) packets() []*kpp.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*kpp.Packet(nil), r.got...)
}

// fakeProcess looks like a supervised organ to the registry.
type fakeProcess struct {
	recorder
	alive bool
	load  float64
	kills int
	beats int
}

func (f *fakeProcess) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeProcess) SendHeartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeProcess) Metrics() OrganMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return OrganMetrics{Load: f.load, State: "idle"}
}

type harness struct {
	router *Router
	sched  *scheduler.Scheduler
	bus    *bus.Bus
	sigs   <-chan bus.Signal
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := DefaultConfig()
	sched := scheduler.New(scheduler.Config{Concurrency: 4, Interval: -1, QueueSize: 64})
	b := bus.New(256)
	deps := Deps{
		ACL: security.NewTable(map[string]security.Level{
			cfg.SystemURN: security.LevelSystem,
			adminURN:      security.LevelSystem,
			workerURN:     security.LevelOrgan,
		}),
		Detector:  aeds.NewDetector(nil),
		Scheduler: sched,
		Bus:       b,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	r, err := New(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := b.Subscribe(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
		sched.Close()
		b.Close()
	})
	return &harness{router: r, sched: sched, bus: b, sigs: sigs}
}

func (h *harness) register(t *testing.T, address string, organ Organ) {
	t.Helper()
	require.NoError(t, h.router.Register(address, organ))
}

// settle waits for every admitted packet to be dispatched.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Wait(ctx))
}

// signals drains the signals published so far, filtered by type.
func (h *harness) signals(signalType string) []bus.Signal {
	var out []bus.Signal
	for {
		select {
		case sig, ok := <-h.sigs:
			if !ok {
				return out
			}
			if sig.Type == signalType {
				out = append(out, sig)
			}
		default:
			return out
		}
	}
}

func dropReasons(sigs []bus.Signal) []string {
	var out []string
	for _, sig := range sigs {
		out = append(out, sig.Payload["reason"].(string))
	}
	return out
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestZeroThresholdsTakeDefaults(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.OverloadThreshold = 0
		c.DuplicationThreshold = 0
		c.LevitationThreshold = 0
		c.ReplayFilter.Capacity = 0
	})
	def := DefaultConfig()
	cfg := h.router.Config()
	assert.Equal(t, def.OverloadThreshold, cfg.OverloadThreshold)
	assert.Equal(t, def.DuplicationThreshold, cfg.DuplicationThreshold)
	assert.Equal(t, def.LevitationThreshold, cfg.LevitationThreshold)
	assert.Equal(t, def.ReplayFilter.Capacity, cfg.ReplayFilter.Capacity)

	worker := &fakeProcess{alive: true, load: 0.5}
	sibling := &recorder{}
	sink := &recorder{}
	h.register(t, workerURN, worker)
	h.register(t, workerURN+FloatSuffix, sibling)
	h.register(t, cfg.LevitationSink, sink)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil, kpp.WithGravity(0.3)))
	h.settle(t)

	assert.Len(t, worker.packets(), 1, "moderate load is not an overload")
	assert.Empty(t, sibling.packets())
	assert.Len(t, sink.packets(), 1, "low gravity still levitates")
}

func TestSystemEndpointRegistered(t *testing.T) {
	h := newHarness(t)

	organ, ok := h.router.Lookup(h.router.Config().SystemURN)
	require.True(t, ok)
	assert.NotNil(t, organ)

	err := h.router.Register(h.router.Config().SystemURN, &recorder{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterRejectsDuplicatesAndNil(t *testing.T) {
	h := newHarness(t)
	h.register(t, workerURN, &recorder{})

	assert.ErrorIs(t, h.router.Register(workerURN, &recorder{}), ErrAlreadyRegistered)
	assert.ErrorIs(t, h.router.Register(clientURN, nil), ErrNilOrgan)
	assert.Error(t, h.router.Register("", &recorder{}))
}

func TestRegistrySortedWithKinds(t *testing.T) {
	h := newHarness(t)
	h.register(t, workerURN, &fakeProcess{alive: true, load: 0.25})
	h.register(t, clientURN, &recorder{})

	entries := h.router.Registry()
	require.Len(t, entries, 3)
	assert.Equal(t, h.router.Config().SystemURN, entries[0].Address)
	assert.Equal(t, clientURN, entries[1].Address)
	assert.Equal(t, "logic", entries[1].Kind)
	assert.Nil(t, entries[1].Metrics)
	assert.Equal(t, workerURN, entries[2].Address)
	assert.Equal(t, "process", entries[2].Kind)
	assert.True(t, entries[2].Alive)
	require.NotNil(t, entries[2].Metrics)
	assert.InDelta(t, 0.25, entries[2].Metrics.Load, 1e-9)
}

func TestDeliversToDestination(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, map[string]any{"cmd": "ls"})
	h.router.Ingest(p)
	h.settle(t)

	got := dst.packets()
	require.Len(t, got, 1)
	assert.Equal(t, p.Nexus.ID, got[0].Nexus.ID)
	assert.Empty(t, h.signals(bus.TypeDropped))
}

func TestIntegrityFailureDropped(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, map[string]any{"cmd": "ls"})
	p.Payload["cmd"] = "rm -rf /"
	h.router.Ingest(p)
	h.settle(t)

	assert.Empty(t, dst.packets())
	assert.Equal(t, []string{DropIntegrity}, dropReasons(h.signals(bus.TypeDropped)))
}

func TestInsufficientScopeDropped(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, clientURN, dst)

	h.router.Ingest(kpp.New(workerURN, clientURN, kpp.IntentCommand, nil,
		kpp.WithScope(int(security.LevelSystem))))
	h.router.Ingest(kpp.New("urn:nexus:organ:stranger", clientURN, kpp.IntentCommand, nil,
		kpp.WithScope(int(security.LevelOrgan))))
	h.settle(t)

	assert.Empty(t, dst.packets())
	assert.Equal(t, []string{DropUnauthorized, DropUnauthorized}, dropReasons(h.signals(bus.TypeDropped)))

	h.router.Ingest(kpp.New(workerURN, clientURN, kpp.IntentCommand, nil,
		kpp.WithScope(int(security.LevelOrgan))))
	h.settle(t)
	assert.Len(t, dst.packets(), 1)
}

func TestLevitationRewritesToSink(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	sink := &recorder{}
	h.register(t, workerURN, dst)
	h.register(t, h.router.Config().LevitationSink, sink)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, map[string]any{"x": 1.0},
		kpp.WithGravity(0.3), kpp.WithPriority(5))
	h.router.Ingest(p)
	h.settle(t)

	assert.Empty(t, dst.packets())
	got := sink.packets()
	require.Len(t, got, 1)
	assert.Equal(t, h.router.Config().LevitationSink, got[0].Route.To)
	assert.Equal(t, 2*kpp.DefaultTTL, got[0].Nexus.TTL)
	assert.Equal(t, 7, got[0].Nexus.Priority)
	assert.True(t, kpp.Verify(got[0]))

	// The caller's packet is left as it was.
	assert.Equal(t, workerURN, p.Route.To)
	assert.Len(t, h.signals(bus.TypeLevitated), 1)
}

func TestLevitationPriorityClamped(t *testing.T) {
	h := newHarness(t)
	sink := &recorder{}
	h.register(t, h.router.Config().LevitationSink, sink)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentEvent, nil,
		kpp.WithGravity(0.1), kpp.WithPriority(9)))
	h.settle(t)

	got := sink.packets()
	require.Len(t, got, 1)
	assert.Equal(t, kpp.MaxPriority, got[0].Nexus.Priority)
}

func TestLowGravityTrafficToSinkIsNotRelevitated(t *testing.T) {
	h := newHarness(t)
	sink := &recorder{}
	h.register(t, h.router.Config().LevitationSink, sink)

	h.router.Ingest(kpp.New(adminURN, h.router.Config().LevitationSink, kpp.IntentEvent, nil,
		kpp.WithGravity(0.2)))
	h.settle(t)

	got := sink.packets()
	require.Len(t, got, 1)
	assert.Equal(t, kpp.DefaultTTL, got[0].Nexus.TTL)
	assert.Empty(t, h.signals(bus.TypeLevitated))
}

func TestUnknownDestinationDropped(t *testing.T) {
	h := newHarness(t)

	h.router.Ingest(kpp.New(adminURN, "urn:nexus:organ:nowhere", kpp.IntentCommand, nil))
	h.settle(t)

	sigs := h.signals(bus.TypeDropped)
	require.Len(t, sigs, 1)
	assert.Equal(t, DropUnknown, sigs[0].Payload["reason"])
	assert.Equal(t, "urn:nexus:organ:nowhere", sigs[0].Payload["to"])
}

func TestOverloadRedirectsToFloat(t *testing.T) {
	h := newHarness(t)
	busy := &fakeProcess{alive: true, load: 0.95}
	sibling := &recorder{}
	h.register(t, workerURN, busy)
	h.register(t, workerURN+FloatSuffix, sibling)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.settle(t)

	assert.Empty(t, busy.packets())
	assert.Len(t, sibling.packets(), 1)
	assert.Len(t, h.signals(bus.TypeOverload), 1)
}

func TestOverloadWithoutFloatDeliversDirectly(t *testing.T) {
	h := newHarness(t)
	busy := &fakeProcess{alive: true, load: 0.95}
	h.register(t, workerURN, busy)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.settle(t)

	assert.Len(t, busy.packets(), 1)
}

func TestLogicOrganNeverRedirected(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	sibling := &recorder{}
	h.register(t, workerURN, dst)
	h.register(t, workerURN+FloatSuffix, sibling)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.settle(t)

	assert.Len(t, dst.packets(), 1)
	assert.Empty(t, sibling.packets())
}

func TestReasoningHandOff(t *testing.T) {
	reasoner := &recorder{}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Reasoner = reasoner })

	h.router.Ingest(kpp.New(adminURN, "urn:nexus:organ:reasoning", kpp.IntentQuery, nil))
	h.settle(t)

	assert.Len(t, reasoner.packets(), 1)
	assert.Empty(t, h.signals(bus.TypeDropped))
}

func TestReasoningWithoutReasonerResolvesRegistry(t *testing.T) {
	h := newHarness(t)

	h.router.Ingest(kpp.New(adminURN, "urn:nexus:organ:reasoning", kpp.IntentQuery, nil))
	h.settle(t)

	assert.Equal(t, []string{DropUnknown}, dropReasons(h.signals(bus.TypeDropped)))
}

func TestPlanFromSystemSenderRoutedToExecution(t *testing.T) {
	h := newHarness(t)
	exec := &recorder{}
	h.register(t, h.router.Config().ExecutionURN, exec)

	plan := kpp.New(adminURN, h.router.Config().SystemURN, kpp.IntentPlan,
		map[string]any{"steps": []any{"build", "test"}})
	h.router.Ingest(plan)
	h.settle(t)

	got := exec.packets()
	require.Len(t, got, 1)
	assert.Equal(t, h.router.Config().ExecutionURN, got[0].Route.To)
	assert.Equal(t, plan.Nexus.ID, got[0].Nexus.ID)
	assert.Equal(t, plan.Payload, got[0].Payload)
}

func TestPlanFromOrdinarySenderNotRouted(t *testing.T) {
	h := newHarness(t)
	exec := &recorder{}
	h.register(t, h.router.Config().ExecutionURN, exec)

	h.router.Ingest(kpp.New(workerURN, h.router.Config().SystemURN, kpp.IntentPlan, nil))
	h.settle(t)

	assert.Empty(t, exec.packets())
	assert.Empty(t, h.signals(bus.TypeDropped))
}

func TestReplayDropped(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, nil)
	h.router.Ingest(p)
	h.router.Ingest(p)
	h.settle(t)

	assert.Len(t, dst.packets(), 1)
	assert.Equal(t, []string{DropReplay}, dropReasons(h.signals(bus.TypeDropped)))
}

func TestReplayFilterRemembersAcrossOneRotation(t *testing.T) {
	h := newHarness(t)
	h.register(t, workerURN, &recorder{})

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, nil)
	h.router.Ingest(p)
	h.router.Evolve()
	h.router.Ingest(p)
	h.settle(t)

	assert.Equal(t, []string{DropReplay}, dropReasons(h.signals(bus.TypeDropped)))
}

func TestReplayFilterDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.ReplayFilter.Enabled = false })
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, nil)
	h.router.Ingest(p)
	h.router.Ingest(p)
	h.settle(t)

	assert.Len(t, dst.packets(), 2)
}

func TestRateLimitPerSender(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.RateLimit = RateLimitConfig{Enabled: true, Rate: 1, Burst: 1, Window: time.Hour}
	})
	dst := &recorder{}
	h.register(t, clientURN, dst)

	for range 5 {
		h.router.Ingest(kpp.New(workerURN, clientURN, kpp.IntentEvent, nil))
	}
	h.settle(t)

	delivered := len(dst.packets())
	assert.GreaterOrEqual(t, delivered, 1)
	assert.Less(t, delivered, 5)
	for _, reason := range dropReasons(h.signals(bus.TypeDropped)) {
		assert.Equal(t, DropRateLimited, reason)
	}

	// Another sender has its own bucket.
	h.router.Ingest(kpp.New(adminURN, clientURN, kpp.IntentEvent, nil))
	h.settle(t)
	assert.Len(t, dst.packets(), delivered+1)
}

func TestExpiredPacketDropped(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.EnforceTTL = true })
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, nil, kpp.WithTTL(1000))
	p.Nexus.Timestamp -= 5000
	h.router.Ingest(p)
	h.settle(t)

	assert.Empty(t, dst.packets())
	assert.Equal(t, []string{DropExpired}, dropReasons(h.signals(bus.TypeDropped)))
}

func TestExpiredPacketDeliveredWhenTTLNotEnforced(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, workerURN, dst)

	p := kpp.New(adminURN, workerURN, kpp.IntentCommand, nil, kpp.WithTTL(1000))
	p.Nexus.Timestamp -= 5000
	h.router.Ingest(p)
	h.settle(t)

	assert.Len(t, dst.packets(), 1)
}

func TestRegistryQueryAnswered(t *testing.T) {
	h := newHarness(t)
	client := &recorder{}
	h.register(t, clientURN, client)

	req := kpp.New(clientURN, h.router.Config().SystemURN, kpp.IntentQuery, nil,
		kpp.WithOpCode(OpRegistry))
	h.router.Ingest(req)
	h.settle(t)

	got := client.packets()
	require.Len(t, got, 1)
	resp := got[0]
	assert.Equal(t, kpp.IntentResponse, resp.Instruction.Intent)
	assert.Equal(t, h.router.Config().SystemURN, resp.Route.From)
	assert.Equal(t, req.Nexus.ID, resp.Nexus.CorrelationID)
	assert.True(t, kpp.Verify(resp))

	organs, ok := resp.Payload["organs"].([]RegistryEntry)
	require.True(t, ok)
	require.Len(t, organs, 2)
	assert.Equal(t, h.router.Config().SystemURN, organs[0].Address)
	assert.Equal(t, clientURN, organs[1].Address)
}

func TestRegistryQueryHonoursReplyTo(t *testing.T) {
	h := newHarness(t)
	client := &recorder{}
	inbox := &recorder{}
	h.register(t, clientURN, client)
	h.register(t, clientURN+":inbox", inbox)

	h.router.Ingest(kpp.New(clientURN, h.router.Config().SystemURN, kpp.IntentQuery, nil,
		kpp.WithOpCode(OpRegistry), kpp.WithReplyTo(clientURN+":inbox")))
	h.settle(t)

	assert.Empty(t, client.packets())
	assert.Len(t, inbox.packets(), 1)
}

func TestSpoofedOrganPacketDropped(t *testing.T) {
	h := newHarness(t)
	dst := &recorder{}
	h.register(t, clientURN, dst)

	h.router.HandleOrganPacket(workerURN, kpp.New(adminURN, clientURN, kpp.IntentCommand, nil))
	h.router.HandleOrganPacket(workerURN, kpp.New(workerURN, clientURN, kpp.IntentEvent, nil))
	h.settle(t)

	assert.Len(t, dst.packets(), 1)
	assert.Equal(t, []string{DropSpoofed}, dropReasons(h.signals(bus.TypeDropped)))
}

func alwaysAccept() aeds.Option {
	return aeds.WithRand(func() float64 { return 0 })
}

func TestDeliveryErrorTriggersRemedy(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Detector = aeds.NewDetector(aeds.DefaultAntibodies(), alwaysAccept())
	})
	h.register(t, workerURN, &recorder{err: errors.New("write |1: broken pipe")})

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.settle(t)

	heals := h.signals(bus.TypeHeal)
	require.Len(t, heals, 1)
	assert.Equal(t, workerURN, heals[0].Payload["source"])
	assert.Equal(t, "broken-pipe", heals[0].Payload["antibody"])
	assert.Equal(t, uint64(1), h.sched.Stats().Failed)
}

func TestDispatchPanicRecovered(t *testing.T) {
	h := newHarness(t)
	h.register(t, workerURN, NewLogicOrgan(func(*kpp.Packet) error { panic("boom") }))
	after := &recorder{}
	h.register(t, clientURN, after)

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))
	h.router.Ingest(kpp.New(adminURN, clientURN, kpp.IntentCommand, nil))
	h.settle(t)

	assert.Len(t, after.packets(), 1)
	assert.Equal(t, uint64(1), h.sched.Stats().Failed)
}

func TestSchedulerRejectionRemedied(t *testing.T) {
	reclaimed := 0
	closedAB, err := aeds.Compile("scheduler-closed", `scheduler: closed`, 1, aeds.RemedyClearBuffer)
	require.NoError(t, err)

	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Detector = aeds.NewDetector([]aeds.Antibody{closedAB}, alwaysAccept())
		d.Reclaimer = func() { reclaimed++ }
	})
	h.register(t, workerURN, &recorder{})
	h.sched.Close()

	h.router.Ingest(kpp.New(adminURN, workerURN, kpp.IntentCommand, nil))

	assert.Equal(t, []string{DropRejected}, dropReasons(h.signals(bus.TypeDropped)))
	assert.Equal(t, 1, reclaimed)
}

func TestOrganErrorRemedied(t *testing.T) {
	reclaimed := 0
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Detector = aeds.NewDetector(aeds.DefaultAntibodies(), alwaysAccept())
		d.Reclaimer = func() { reclaimed++ }
	})

	h.router.HandleOrganError(workerURN, errors.New("synapse: line too long"))

	assert.Len(t, h.signals(bus.TypeReclaim), 1)
	assert.Equal(t, 1, reclaimed)
}

func TestOrganLifecycleSignals(t *testing.T) {
	h := newHarness(t)

	h.router.HandleOrganDead(workerURN)
	h.router.HandleOrganUndo(workerURN, kpp.New(workerURN, clientURN, kpp.IntentCommand, nil,
		kpp.WithOpCode("write")))
	h.router.HandleOrganSpawn(workerURN, 42)

	dead := h.signals(bus.TypeOrganDead)
	require.Len(t, dead, 1)
	assert.Equal(t, workerURN, dead[0].Source)
}

func TestHomeostasisKillsUnresponsiveOrgans(t *testing.T) {
	h := newHarness(t)
	stuck := &fakeProcess{alive: false}
	healthy := &fakeProcess{alive: true, load: 0.85}
	h.register(t, workerURN, stuck)
	h.register(t, clientURN, healthy)

	h.router.Homeostasis()

	assert.Equal(t, 1, stuck.kills)
	assert.Equal(t, 0, healthy.kills)
	assert.Equal(t, 1, stuck.beats)
	assert.Equal(t, 1, healthy.beats)

	sweeps := h.signals(bus.TypeHomeostasis)
	require.Len(t, sweeps, 1)
	assert.Equal(t, []string{workerURN}, sweeps[0].Payload["killed"])
	assert.Equal(t, []string{clientURN}, sweeps[0].Payload["candidates"])
}

func TestStartRunsPeriodicLoops(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.HomeostasisInterval = 10 * time.Millisecond })
	stuck := &fakeProcess{alive: false}
	h.register(t, workerURN, stuck)

	require.NoError(t, h.router.Start(context.Background()))
	assert.ErrorIs(t, h.router.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		stuck.mu.Lock()
		defer stuck.mu.Unlock()
		return stuck.kills >= 2
	}, 2*time.Second, 5*time.Millisecond)

	h.router.Stop()
	h.router.Stop()
}

func TestSchedulingPriority(t *testing.T) {
	tests := []struct {
		priority int
		want     int
	}{
		{0, 9},
		{1, 9},
		{5, 5},
		{10, 0},
		{12, 0},
		{-3, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schedulingPriority(tt.priority), "priority %d", tt.priority)
	}
}
