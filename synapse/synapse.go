// Package synapse supervises one organ child process.
//
// The child speaks newline-delimited packets over its stdio: the supervisor
// writes to stdin, reads packets from stdout, and treats stderr output as a
// request to undo the most recent operation. A child that exits is respawned
// with exponential backoff until its attempt budget runs out.
package synapse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/najoast/nexus/kpp"
)

const (
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBufferCap         = 1 << 20
	DefaultUndoDepth         = 16
	DefaultHeartbeatInterval = time.Second
	DefaultLivenessWindow    = 10 * time.Second

	// OverloadThreshold is the reported load above which an organ is
	// considered overloaded.
	OverloadThreshold = 0.9

	readChunk = 32 * 1024
)

var (
	ErrNoCommand      = errors.New("synapse: command is required")
	ErrNoAddress      = errors.New("synapse: address is required")
	ErrAlreadyStarted = errors.New("synapse: already started")
)

// State is the supervisor's view of the child.
type State int32

const (
	StateSpawning State = iota
	StateIdle
	StateBusy
	StateOverload
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateOverload:
		return "overload"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

type Config struct {
	Address string
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Supervisor is the sender URN of heartbeat probes. Defaults to Address.
	Supervisor string

	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BufferCap         int
	UndoDepth         int
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Supervisor == "" {
		c.Supervisor = c.Address
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultBufferCap
	}
	if c.UndoDepth <= 0 {
		c.UndoDepth = DefaultUndoDepth
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	return c
}

// Events are invoked from supervisor goroutines, never under its lock.
// Any of them may be nil.
type Events struct {
	OnPacket func(address string, p *kpp.Packet)
	OnError  func(address string, err error)
	OnDead   func(address string)
	OnUndo   func(address string, p *kpp.Packet)
	OnSpawn  func(address string, pid int)
}

// Metrics is a snapshot of the supervised organ.
type Metrics struct {
	Address       string    `json:"address"`
	State         string    `json:"state"`
	PID           int       `json:"pid"`
	Load          float64   `json:"load"`
	Gravity       float64   `json:"gravity"`
	Attempts      int       `json:"attempts"`
	Spawns        uint64    `json:"spawns"`
	Sent          uint64    `json:"sent"`
	Received      uint64    `json:"received"`
	UndoDepth     int       `json:"undo_depth"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Option func(*Synapse)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Synapse) { s.logger = logger }
}

type Synapse struct {
	cfg       Config
	events    Events
	logger    *slog.Logger
	heartbeat *rate.Limiter

	mu            sync.Mutex
	state         State
	started       bool
	stopped       bool
	terminal      bool
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	generation    uint64
	attempts      int
	gravity       float64
	load          float64
	lastHeartbeat time.Time
	undo          *undoStack
	respawn       *time.Timer
	stopAfter     func() bool

	// after arms spawn timers; tests replace it to observe delays.
	after func(time.Duration, func()) *time.Timer
	now   func() time.Time

	writeMu sync.Mutex
	wg      sync.WaitGroup

	spawns   atomic.Uint64
	sent     atomic.Uint64
	received atomic.Uint64
}

func New(cfg Config, events Events, opts ...Option) (*Synapse, error) {
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, cfg.Address)
	}
	cfg = cfg.withDefaults()

	s := &Synapse{
		cfg:       cfg,
		events:    events,
		heartbeat: rate.NewLimiter(rate.Every(cfg.HeartbeatInterval), 1),
		state:     StateDead,
		gravity:   kpp.DefaultGravity,
		undo:      newUndoStack(cfg.UndoDepth),
		after:     time.AfterFunc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "synapse", "organ", cfg.Address)
	return s, nil
}

func (s *Synapse) Address() string { return s.cfg.Address }

// Start schedules the first spawn after ResurrectionDelay(0, gravity).
// Cancelling ctx stops the synapse for good.
func (s *Synapse) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.state = StateSpawning
	delay := s.scheduleSpawn()
	s.stopAfter = context.AfterFunc(ctx, s.Stop)
	s.mu.Unlock()

	s.logger.Debug("organ spawn scheduled", "delay", delay)
	return nil
}

// scheduleSpawn arms the spawn timer for the current attempt count.
// Callers hold mu.
func (s *Synapse) scheduleSpawn() time.Duration {
	delay := ResurrectionDelay(s.attempts, s.gravity, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.respawn = s.after(delay, s.spawn)
	return delay
}

func (s *Synapse) spawn() {
	s.mu.Lock()
	if s.stopped || s.terminal {
		s.mu.Unlock()
		return
	}
	s.state = StateSpawning
	s.generation++
	gen := s.generation

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Dir = s.cfg.Dir
	prepareCommand(cmd)

	stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("spawn failed", "error", err)
		s.emitError(fmt.Errorf("synapse %s: spawn: %w", s.cfg.Address, err))
		s.exited(gen, err)
		return
	}

	s.cmd = cmd
	s.stdin = stdin
	s.state = StateIdle
	s.lastHeartbeat = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	pid := cmd.Process.Pid
	s.spawns.Add(1)
	s.logger.Info("organ spawned", "pid", pid, "command", s.cfg.Command)
	if s.events.OnSpawn != nil {
		s.events.OnSpawn(s.cfg.Address, pid)
	}

	go func() {
		defer s.wg.Done()

		var readers sync.WaitGroup
		readers.Add(2)
		go func() {
			defer readers.Done()
			s.readStdout(stdout)
		}()
		go func() {
			defer readers.Done()
			s.readStderr(stderr)
		}()
		readers.Wait()

		s.exited(gen, cmd.Wait())
	}()
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, stderr, nil
}

// exited records a child exit and either schedules a resurrection or marks
// the organ permanently dead.
func (s *Synapse) exited(gen uint64, exitErr error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.stdin = nil
	s.state = StateDead
	if s.stopped {
		s.mu.Unlock()
		s.logger.Info("organ stopped")
		return
	}

	s.attempts++
	if s.attempts >= s.cfg.MaxAttempts {
		s.terminal = true
		attempts := s.attempts
		s.mu.Unlock()

		s.logger.Error("organ dead, resurrection budget exhausted", "attempts", attempts, "error", exitErr)
		if s.events.OnDead != nil {
			s.events.OnDead(s.cfg.Address)
		}
		return
	}

	delay := s.scheduleSpawn()
	attempts := s.attempts
	s.mu.Unlock()

	s.logger.Warn("organ exited, resurrecting", "attempt", attempts, "delay", delay, "error", exitErr)
}

func (s *Synapse) readStdout(r io.Reader) {
	lb := NewLineBuffer(s.cfg.BufferCap)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			lines, overflows := lb.Feed(chunk[:n])
			for i := 0; i < overflows; i++ {
				s.logger.Warn("stdout line dropped", "cap", s.cfg.BufferCap)
				s.emitError(fmt.Errorf("synapse %s: %w (%d bytes)", s.cfg.Address, ErrLineTooLong, s.cfg.BufferCap))
			}
			for _, line := range lines {
				s.accept(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Synapse) accept(line []byte) {
	p, err := kpp.Parse(line)
	if err != nil {
		s.logger.Warn("unparseable line from organ", "error", err, "bytes", len(line))
		s.emitError(fmt.Errorf("synapse %s: %w", s.cfg.Address, err))
		return
	}
	s.received.Add(1)

	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.gravity = p.Nexus.GravityFactor
	if p.Health != nil {
		s.load = p.Health.Load
	}
	if !p.IsHeartbeat() {
		s.attempts = 0
		s.undo.push(p)
	}
	if s.state != StateDead && s.state != StateSpawning {
		if s.load > OverloadThreshold {
			s.state = StateOverload
		} else {
			s.state = StateIdle
		}
	}
	s.mu.Unlock()

	if !p.IsHeartbeat() && s.events.OnPacket != nil {
		s.events.OnPacket(s.cfg.Address, p)
	}
}

func (s *Synapse) readStderr(r io.Reader) {
	lb := NewLineBuffer(s.cfg.BufferCap)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			lines, _ := lb.Feed(chunk[:n])
			for _, line := range lines {
				s.logger.Warn("organ stderr", "line", string(line))
				s.undoLast()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Synapse) undoLast() {
	s.mu.Lock()
	p, ok := s.undo.pop()
	s.mu.Unlock()
	if ok && s.events.OnUndo != nil {
		s.events.OnUndo(s.cfg.Address, p)
	}
}

func (s *Synapse) emitError(err error) {
	if s.events.OnError != nil {
		s.events.OnError(s.cfg.Address, err)
	}
}

// Send writes p to the child's stdin, resealing a copy first if its digest
// no longer matches the payload. Sending to a dead organ is logged and
// otherwise ignored.
func (s *Synapse) Send(p *kpp.Packet) error {
	if !kpp.Verify(p) {
		p = p.Clone()
		p.Seal()
	}
	data, err := kpp.Marshal(p)
	if err != nil {
		return fmt.Errorf("synapse %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	stdin := s.stdin
	if stdin == nil || s.state == StateDead {
		s.mu.Unlock()
		s.logger.Warn("send to dead organ ignored", "packet", p.Nexus.ID)
		return nil
	}
	s.gravity = p.Nexus.GravityFactor
	if !p.IsHeartbeat() && s.state == StateIdle {
		s.state = StateBusy
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	s.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("synapse %s: write: %w", s.cfg.Address, err)
		s.emitError(err)
		return err
	}
	s.sent.Add(1)
	return nil
}

// SendHeartbeat probes the child, at most once per heartbeat interval.
func (s *Synapse) SendHeartbeat() error {
	if !s.heartbeat.Allow() {
		return nil
	}
	p := kpp.New(s.cfg.Supervisor, s.cfg.Address, kpp.IntentHeartbeat,
		map[string]any{"ts": time.Now().UnixMilli()},
		kpp.WithPriority(kpp.MinPriority))
	return s.Send(p)
}

// IsAlive reports whether the child is running and has produced output
// within the liveness window.
func (s *Synapse) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead || s.stdin == nil {
		return false
	}
	return s.now().Sub(s.lastHeartbeat) < s.cfg.LivenessWindow
}

func (s *Synapse) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synapse) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Address:       s.cfg.Address,
		State:         s.state.String(),
		Load:          s.load,
		Gravity:       s.gravity,
		Attempts:      s.attempts,
		Spawns:        s.spawns.Load(),
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		UndoDepth:     s.undo.len(),
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		m.PID = s.cmd.Process.Pid
	}
	return m
}

// Kill terminates the child. The exit counts as a crash, so the organ is
// resurrected if its budget allows.
func (s *Synapse) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	s.logger.Warn("killing organ", "pid", cmd.Process.Pid)
	return killProcess(cmd)
}

// Stop terminates the child without resurrection and waits for the
// supervisor goroutines to finish.
func (s *Synapse) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	if s.respawn != nil {
		s.respawn.Stop()
	}
	if s.stopAfter != nil {
		s.stopAfter()
	}
	cmd := s.cmd
	stdin := s.stdin
	s.state = StateDead
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil {
		_ = killProcess(cmd)
	}
	s.wg.Wait()
}
