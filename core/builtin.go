package core

import (
	"github.com/najoast/nexus/kpp"
	"github.com/najoast/nexus/security"
)

// OpValidate is the QUERY op code answered by policy organs.
const OpValidate = "validate"

// SinkOrgan absorbs whatever it receives. It is the usual levitation sink.
func (r *Router) SinkOrgan(address string) *LogicOrgan {
	logger := r.logger.With("organ", address)
	return NewLogicOrgan(func(p *kpp.Packet) error {
		logger.Debug("absorbed",
			"packet", p.Nexus.ID,
			"from", p.Route.From,
			"intent", p.Instruction.Intent,
			"gravity", p.Nexus.GravityFactor)
		return nil
	})
}

// PolicyOrgan answers validate queries at address with v's decision. The
// query payload carries "action" and an optional "params" object.
func (r *Router) PolicyOrgan(address string, v security.Validator) *LogicOrgan {
	logger := r.logger.With("organ", address)
	return NewLogicOrgan(func(p *kpp.Packet) error {
		if p.Instruction.Intent != kpp.IntentQuery || p.Instruction.OpCode != OpValidate {
			logger.Debug("ignored", "packet", p.Nexus.ID, "intent", p.Instruction.Intent, "op", p.Instruction.OpCode)
			return nil
		}

		action, _ := p.Payload["action"].(string)
		params, _ := p.Payload["params"].(map[string]any)
		d := v.Validate(action, params)
		if !d.Allowed {
			logger.Info("action denied", "action", action, "from", p.Route.From, "reason", d.Reason)
		}

		r.reply(p, address, map[string]any{
			"action":  action,
			"allowed": d.Allowed,
			"reason":  d.Reason,
		})
		return nil
	})
}
