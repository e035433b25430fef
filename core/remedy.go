package core

import (
	"github.com/najoast/nexus/aeds"
	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/synapse"
	"github.com/najoast/nexus/telemetry"
)

// aedsDetect runs err past the antibody table and applies the remedy of an
// accepted match.
func (r *Router) aedsDetect(source string, err error) {
	m, ok := r.detector.Detect(err)
	if !ok {
		r.logger.Warn("error not remedied", "source", source, "error", err)
		return
	}

	telemetry.AntibodyMatches.WithLabelValues(string(m.Remedy)).Inc()
	r.logger.Warn("antibody matched",
		"source", source,
		"antibody", m.Antibody,
		"remedy", m.Remedy,
		"error", m.Error)

	payload := map[string]any{
		"source":   source,
		"antibody": m.Antibody,
		"error":    m.Error,
	}
	switch m.Remedy {
	case aeds.RemedyRestartOrgan:
		r.bus.Emit(r.cfg.SystemURN, bus.TypeHeal, payload)
	case aeds.RemedyClearBuffer:
		r.reclaimer()
		r.bus.Emit(r.cfg.SystemURN, bus.TypeReclaim, payload)
	}
}

// OrganEvents returns the supervisor callbacks that feed a process organ
// back into the router.
func (r *Router) OrganEvents() synapse.Events {
	return synapse.Events{
		OnPacket: r.HandleOrganPacket,
		OnError:  r.HandleOrganError,
		OnDead:   r.HandleOrganDead,
		OnUndo:   r.HandleOrganUndo,
		OnSpawn:  r.HandleOrganSpawn,
	}
}

// HandleOrganPacket ingests a packet emitted by the organ at address. An
// organ may only speak for itself.
func (r *Router) HandleOrganPacket(address string, p *kpp.Packet) {
	if p.Route.From != address {
		r.drop(p, DropSpoofed)
		return
	}
	r.Ingest(p)
}

func (r *Router) HandleOrganError(address string, err error) {
	r.bus.Emit(address, bus.TypeOrganError, map[string]any{"error": err.Error()})
	r.aedsDetect(address, err)
}

func (r *Router) HandleOrganDead(address string) {
	telemetry.OrganDeaths.WithLabelValues(address).Inc()
	r.logger.Error("organ dead, resurrection budget exhausted", "organ", address)
	r.bus.Emit(address, bus.TypeOrganDead, nil)
}

func (r *Router) HandleOrganUndo(address string, p *kpp.Packet) {
	telemetry.OrganUndos.WithLabelValues(address).Inc()
	r.logger.Warn("organ operation undone", "organ", address, "packet", p.Nexus.ID)
	r.bus.Emit(address, bus.TypeOrganUndo, map[string]any{
		"packet": p.Nexus.ID,
		"intent": p.Instruction.Intent.String(),
		"op":     p.Instruction.OpCode,
	})
}

func (r *Router) HandleOrganSpawn(address string, pid int) {
	telemetry.OrganSpawns.WithLabelValues(address).Inc()
	r.logger.Info("organ spawned", "organ", address, "pid", pid)
}
