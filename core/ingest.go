package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/najoast/nexus/bus"
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/telemetry"
)

// Drop reasons, used as metric labels and in packet.dropped signals.
const (
	DropIntegrity    = "integrity"
	DropUnauthorized = "unauthorized"
	DropReplay       = "replay"
	DropRateLimited  = "rate_limited"
	DropExpired      = "expired"
	DropUnknown      = "unknown_destination"
	DropSpoofed      = "spoofed_sender"
	DropRejected     = "scheduler_rejected"
)

// levitationBoost is added to the priority of a levitated packet.
const levitationBoost = 2

// Ingest admits a packet into the router. Packets that fail a check are
// dropped without any reply to the sender.
func (r *Router) Ingest(p *kpp.Packet) {
	if p == nil {
		return
	}
	if r.replay != nil && r.replay.seen(p.Nexus.ID) {
		r.drop(p, DropReplay)
		return
	}
	if r.limiter != nil && !r.limiter.allow(p.Route.From) {
		r.drop(p, DropRateLimited)
		return
	}
	r.ingest(p)
}

func (r *Router) ingest(p *kpp.Packet) {
	if !kpp.Verify(p) {
		r.drop(p, DropIntegrity)
		return
	}
	if err := r.acl.Authorize(p.Route.From, p.Auth.Scope); err != nil {
		r.drop(p, DropUnauthorized)
		return
	}

	if p.Nexus.GravityFactor < r.cfg.LevitationThreshold && p.Route.To != r.cfg.LevitationSink {
		r.levitate(p)
		return
	}

	telemetry.PacketsIngested.WithLabelValues(p.Instruction.Intent.String()).Inc()

	err := r.sched.Submit(schedulingPriority(p.Nexus.Priority), func(context.Context) error {
		return r.run(p)
	})
	if err != nil {
		r.drop(p, DropRejected)
		r.aedsDetect(r.cfg.SystemURN, err)
	}
}

// schedulingPriority maps packet priority onto the scheduler's scale.
// The two scales are inverted.
func schedulingPriority(priority int) int {
	return min(max(10-priority, 0), 9)
}

// levitate reroutes an unstable packet to the levitation sink with a
// longer ttl and higher priority, then ingests it again. The payload is
// untouched so the digest still holds.
func (r *Router) levitate(p *kpp.Packet) {
	lp := p.Clone()
	lp.Nexus.TTL *= 2
	lp.Nexus.Priority = min(lp.Nexus.Priority+levitationBoost, kpp.MaxPriority)
	lp.Route.To = r.cfg.LevitationSink

	telemetry.PacketsLevitated.Inc()
	r.logger.Debug("packet levitated",
		"packet", p.Nexus.ID,
		"to", p.Route.To,
		"gravity", p.Nexus.GravityFactor)
	r.bus.Emit(r.cfg.SystemURN, bus.TypeLevitated, map[string]any{
		"packet":  p.Nexus.ID,
		"from":    p.Route.From,
		"to":      p.Route.To,
		"gravity": p.Nexus.GravityFactor,
	})

	r.ingest(lp)
}

// run is the scheduled unit of work for one packet.
func (r *Router) run(p *kpp.Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("core: dispatch of %s panicked: %v", p.Nexus.ID, rec)
		}
		if err != nil {
			r.logger.Error("dispatch failed", "packet", p.Nexus.ID, "to", p.Route.To, "error", err)
			r.aedsDetect(p.Route.To, err)
		}
	}()
	return r.dispatch(p)
}

func (r *Router) dispatch(p *kpp.Packet) error {
	if r.cfg.EnforceTTL && p.Expired(r.now()) {
		r.drop(p, DropExpired)
		return nil
	}

	to := p.Route.To

	if r.reasoner != nil && r.cfg.ReasoningMarker != "" && strings.Contains(to, r.cfg.ReasoningMarker) {
		return r.deliver(p, "reasoner", r.reasoner)
	}

	if p.Instruction.Intent == kpp.IntentPlan && to == r.cfg.SystemURN && r.acl.IsMax(p.Route.From) {
		return r.routePlan(p)
	}

	e, ok := r.registry.lookup(to)
	if !ok {
		r.drop(p, DropUnknown)
		return nil
	}

	if e.kind == KindProcess {
		if load := e.load(); load > r.cfg.OverloadThreshold {
			if sibling, ok := r.registry.lookup(to + FloatSuffix); ok {
				r.logger.Info("organ overloaded, redirecting", "organ", to, "load", load, "float", sibling.address)
				r.bus.Emit(to, bus.TypeOverload, map[string]any{
					"load":   load,
					"float":  sibling.address,
					"packet": p.Nexus.ID,
				})
				e = sibling
			}
		}
	}

	return r.deliver(p, e.kind.String(), e.organ)
}

// routePlan hands a plan addressed to the system endpoint to the execution
// organ.
func (r *Router) routePlan(p *kpp.Packet) error {
	e, ok := r.registry.lookup(r.cfg.ExecutionURN)
	if !ok {
		r.drop(p, DropUnknown)
		return nil
	}
	plan := p.Clone()
	plan.Route.To = r.cfg.ExecutionURN
	r.logger.Info("plan routed", "packet", p.Nexus.ID, "from", p.Route.From, "to", r.cfg.ExecutionURN)
	return r.deliver(plan, e.kind.String(), e.organ)
}

func (r *Router) deliver(p *kpp.Packet, kind string, organ Organ) error {
	start := time.Now()
	err := organ.Send(p)
	telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("core: deliver %s to %s: %w", p.Nexus.ID, p.Route.To, err)
	}
	telemetry.PacketsDelivered.WithLabelValues(kind).Inc()
	return nil
}

func (r *Router) drop(p *kpp.Packet, reason string) {
	telemetry.PacketsDropped.WithLabelValues(reason).Inc()
	r.logger.Warn("packet dropped",
		"reason", reason,
		"packet", p.Nexus.ID,
		"from", p.Route.From,
		"to", p.Route.To,
		"intent", p.Instruction.Intent)
	r.bus.Emit(r.cfg.SystemURN, bus.TypeDropped, map[string]any{
		"reason": reason,
		"packet": p.Nexus.ID,
		"from":   p.Route.From,
		"to":     p.Route.To,
	})
}
