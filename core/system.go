package core

import (
	"github.com/najoast/nexus/kpp"
)

// OpRegistry is the QUERY op code answered by the system endpoint.
const OpRegistry = "registry"

// handleSystem serves packets addressed to the router itself.
func (r *Router) handleSystem(p *kpp.Packet) error {
	if p.Instruction.Intent != kpp.IntentQuery {
		r.logger.Debug("system endpoint ignored packet",
			"packet", p.Nexus.ID,
			"intent", p.Instruction.Intent,
			"from", p.Route.From)
		return nil
	}

	switch p.Instruction.OpCode {
	case OpRegistry:
		r.reply(p, r.cfg.SystemURN, map[string]any{"organs": r.Registry()})
	default:
		r.logger.Debug("unknown system query", "op", p.Instruction.OpCode, "from", p.Route.From)
	}
	return nil
}

// reply routes a RESPONSE from the endpoint at from back to req's reply
// address.
func (r *Router) reply(req *kpp.Packet, from string, payload map[string]any) {
	to := req.Route.ReplyTo
	if to == "" {
		to = req.Route.From
	}
	resp := kpp.New(from, to, kpp.IntentResponse, payload,
		kpp.WithOpCode(req.Instruction.OpCode),
		kpp.WithPriority(req.Nexus.Priority),
		kpp.WithCorrelation(req.Nexus.ID))
	r.Ingest(resp)
}
