package kpp

import (
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version literal carried by every packet.
const Version = "KPP/1.0"

// Envelope defaults.
const (
	DefaultTTL      int64   = 5000
	DefaultPriority int     = 5
	DefaultGravity  float64 = 1

	MinPriority = 0
	MaxPriority = 10
)

// Intent classifies what a packet asks of its destination.
type Intent string

const (
	IntentCommand      Intent = "COMMAND"
	IntentEvent        Intent = "EVENT"
	IntentQuery        Intent = "QUERY"
	IntentResponse     Intent = "RESPONSE"
	IntentHeartbeat    Intent = "HEARTBEAT"
	IntentPlan         Intent = "PLAN"
	IntentError        Intent = "ERROR"
	IntentHeal         Intent = "HEAL"
	IntentEvolve       Intent = "EVOLVE"
	IntentGenerateCode Intent = "GENERATE_CODE"
	IntentLevitate     Intent = "LEVITATE"
)

// String returns the wire form of the intent.
func (i Intent) String() string {
	return string(i)
}

// IsValid reports whether the intent belongs to the fixed vocabulary.
func (i Intent) IsValid() bool {
	switch i {
	case IntentCommand, IntentEvent, IntentQuery, IntentResponse,
		IntentHeartbeat, IntentPlan, IntentError, IntentHeal,
		IntentEvolve, IntentGenerateCode, IntentLevitate:
		return true
	default:
		return false
	}
}

// Packet is the unit of communication between organs.
type Packet struct {
	Nexus       Nexus          `json:"nexus"`
	Route       Route          `json:"route"`
	Auth        Auth           `json:"auth"`
	Instruction Instruction    `json:"instruction"`
	Payload     map[string]any `json:"payload"`
	Health      *Health        `json:"health,omitempty"`
}

// Nexus is the packet envelope.
type Nexus struct {
	Version string `json:"version"`
	ID      string `json:"id"`

	// Timestamp is the creation time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// TTL is the time to live in milliseconds.
	TTL int64 `json:"ttl"`

	Integrity     string  `json:"integrity"`
	Priority      int     `json:"priority"`
	Compressed    bool    `json:"compressed"`
	GravityFactor float64 `json:"gravity_factor"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// Route carries sender and destination URNs.
type Route struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Auth is the privilege scope the sender asserts.
type Auth struct {
	Scope int `json:"scope"`
}

// Instruction pairs an intent with a free-form operation code.
type Instruction struct {
	Intent Intent `json:"intent"`
	OpCode string `json:"op_code"`
}

// Health is attached by organs reporting their own status.
type Health struct {
	Load   float64 `json:"load"`
	State  string  `json:"state"`
	Energy float64 `json:"energy"`
}

// Option overrides an envelope default when creating a packet.
type Option func(*Packet)

func WithTTL(ms int64) Option {
	return func(p *Packet) { p.Nexus.TTL = ms }
}

func WithPriority(priority int) Option {
	return func(p *Packet) { p.Nexus.Priority = priority }
}

func WithGravity(gravity float64) Option {
	return func(p *Packet) { p.Nexus.GravityFactor = gravity }
}

func WithCorrelation(id string) Option {
	return func(p *Packet) { p.Nexus.CorrelationID = id }
}

func WithReplyTo(urn string) Option {
	return func(p *Packet) { p.Route.ReplyTo = urn }
}

func WithScope(scope int) Option {
	return func(p *Packet) { p.Auth.Scope = scope }
}

func WithOpCode(op string) Option {
	return func(p *Packet) { p.Instruction.OpCode = op }
}

func WithCompressed(compressed bool) Option {
	return func(p *Packet) { p.Nexus.Compressed = compressed }
}

func WithHealth(h Health) Option {
	return func(p *Packet) { p.Health = &h }
}

// New creates a sealed packet. Options are applied over the envelope
// defaults before the integrity digest is computed.
func New(from, to string, intent Intent, payload map[string]any, opts ...Option) *Packet {
	if payload == nil {
		payload = map[string]any{}
	}

	p := &Packet{
		Nexus: Nexus{
			Version:       Version,
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UnixMilli(),
			TTL:           DefaultTTL,
			Priority:      DefaultPriority,
			GravityFactor: DefaultGravity,
		},
		Route:       Route{From: from, To: to},
		Instruction: Instruction{Intent: intent},
		Payload:     payload,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.Seal()
	return p
}

// Seal recomputes the integrity digest from the current payload.
// A payload that cannot be canonicalized leaves an empty digest, which
// never verifies.
func (p *Packet) Seal() {
	digest, err := Digest(p.Payload)
	if err != nil {
		p.Nexus.Integrity = ""
		return
	}
	p.Nexus.Integrity = digest
}

// Clone returns a copy safe for rewriting envelope and route fields.
// The payload map is copied one level deep.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Payload != nil {
		c.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			c.Payload[k] = v
		}
	}
	if p.Health != nil {
		h := *p.Health
		c.Health = &h
	}
	return &c
}

// Expired reports whether the packet outlived its TTL at now.
func (p *Packet) Expired(now time.Time) bool {
	if p.Nexus.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > p.Nexus.Timestamp+p.Nexus.TTL
}

// IsHeartbeat reports whether the packet is a liveness probe.
func (p *Packet) IsHeartbeat() bool {
	return p.Instruction.Intent == IntentHeartbeat
}

// Load returns the reported load factor, or 0 without a health section.
func (p *Packet) Load() float64 {
	if p.Health == nil {
		return 0
	}
	return p.Health.Load
}
