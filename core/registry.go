package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAlreadyRegistered = errors.New("core: address already registered")
	ErrNilOrgan          = errors.New("core: cannot register nil organ")
)

// entry is a registered organ with its capabilities resolved once.
type entry struct {
	address   string
	organ     Organ
	kind      Kind
	liveness  Liveness
	metrics   MetricsReporter
	heartbeat Heartbeater
	killer    Killer
}

func newEntry(address string, organ Organ) *entry {
	e := &entry{address: address, organ: organ}
	e.liveness, _ = organ.(Liveness)
	e.metrics, _ = organ.(MetricsReporter)
	e.heartbeat, _ = organ.(Heartbeater)
	e.killer, _ = organ.(Killer)
	if e.liveness != nil && e.killer != nil {
		e.kind = KindProcess
	}
	return e
}

func (e *entry) alive() bool {
	if e.liveness == nil {
		return true
	}
	return e.liveness.IsAlive()
}

func (e *entry) load() float64 {
	if e.metrics == nil {
		return 0
	}
	return e.metrics.Metrics().Load
}

// RegistryEntry describes one registered organ.
type RegistryEntry struct {
	Address string        `json:"address"`
	Kind    string        `json:"kind"`
	Alive   bool          `json:"alive"`
	Metrics *OrganMetrics `json:"metrics,omitempty"`
}

// registry maps addresses to organs. Entries are never removed; a dead
// organ stays registered and reports not alive.
type registry struct {
	organs sync.Map // map[string]*entry
}

func (r *registry) register(address string, organ Organ) (*entry, error) {
	if organ == nil {
		return nil, ErrNilOrgan
	}
	e := newEntry(address, organ)
	if _, exists := r.organs.LoadOrStore(address, e); exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, address)
	}
	return e, nil
}

func (r *registry) lookup(address string) (*entry, bool) {
	if v, ok := r.organs.Load(address); ok {
		return v.(*entry), true
	}
	return nil, false
}

// entries returns every entry sorted by address.
func (r *registry) entries() []*entry {
	var out []*entry
	r.organs.Range(func(_, value any) bool {
		out = append(out, value.(*entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

func (r *registry) describe() []RegistryEntry {
	entries := r.entries()
	out := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		re := RegistryEntry{
			Address: e.address,
			Kind:    e.kind.String(),
			Alive:   e.alive(),
		}
		if e.metrics != nil {
			m := e.metrics.Metrics()
			re.Metrics = &m
		}
		out = append(out, re)
	}
	return out
}
