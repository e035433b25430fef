package core

import (
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/synapse"
)

// Organ is anything that can receive a packet.
type Organ interface {
	Send(p *kpp.Packet) error
}

// Liveness is implemented by organs that can report whether they still
// respond.
type Liveness interface {
	IsAlive() bool
}

// MetricsReporter is implemented by organs that report load.
type MetricsReporter interface {
	Metrics() OrganMetrics
}

// Heartbeater is implemented by organs that accept liveness probes.
type Heartbeater interface {
	SendHeartbeat() error
}

// Killer is implemented by organs whose backing process can be killed and
// resurrected.
type Killer interface {
	Kill() error
}

// OrganMetrics is the load report consulted for overload redirects and
// duplication candidacy.
type OrganMetrics struct {
	Load     float64 `json:"load"`
	State    string  `json:"state"`
	PID      int     `json:"pid,omitempty"`
	Attempts int     `json:"attempts"`
	Spawns   uint64  `json:"spawns"`
}

// Kind tags how an organ is hosted.
type Kind uint8

const (
	// KindLogic is an in-process handler.
	KindLogic Kind = iota

	// KindProcess is a supervised child process.
	KindProcess
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindLogic:
		return "logic"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// HandlerFunc handles packets delivered to a logic organ.
type HandlerFunc func(p *kpp.Packet) error

// LogicOrgan adapts a function into an in-process organ.
type LogicOrgan struct {
	handler HandlerFunc
}

func NewLogicOrgan(handler HandlerFunc) *LogicOrgan {
	return &LogicOrgan{handler: handler}
}

func (o *LogicOrgan) Send(p *kpp.Packet) error {
	return o.handler(p)
}

// ProcessOrgan exposes a supervised child process as an organ.
type ProcessOrgan struct {
	syn *synapse.Synapse
}

func NewProcessOrgan(syn *synapse.Synapse) *ProcessOrgan {
	return &ProcessOrgan{syn: syn}
}

func (o *ProcessOrgan) Send(p *kpp.Packet) error { return o.syn.Send(p) }

func (o *ProcessOrgan) IsAlive() bool { return o.syn.IsAlive() }

func (o *ProcessOrgan) SendHeartbeat() error { return o.syn.SendHeartbeat() }

func (o *ProcessOrgan) Kill() error { return o.syn.Kill() }

func (o *ProcessOrgan) Synapse() *synapse.Synapse { return o.syn }

func (o *ProcessOrgan) Metrics() OrganMetrics {
	m := o.syn.Metrics()
	return OrganMetrics{
		Load:     m.Load,
		State:    m.State,
		PID:      m.PID,
		Attempts: m.Attempts,
		Spawns:   m.Spawns,
	}
}
