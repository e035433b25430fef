package security

import (
	"fmt"
	"strings"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Validator evaluates an action before an organ acts on it. The router never
// calls a Validator; the security organ does, then replies with a packet.
type Validator interface {
	Validate(action string, params map[string]any) Decision
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(action string, params map[string]any) Decision

func (f FuncValidator) Validate(action string, params map[string]any) Decision {
	return f(action, params)
}

// StaticPolicy denies listed actions and any action whose string parameters
// contain a blocked fragment.
type StaticPolicy struct {
	DeniedActions []string
	Blocked       []string
}

func (p StaticPolicy) Validate(action string, params map[string]any) Decision {
	for _, denied := range p.DeniedActions {
		if strings.EqualFold(denied, action) {
			return Decision{Reason: fmt.Sprintf("action %q is denied", action)}
		}
	}
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			continue
		}
		for _, fragment := range p.Blocked {
			if fragment != "" && strings.Contains(s, fragment) {
				return Decision{Reason: fmt.Sprintf("parameter %q contains blocked fragment %q", key, fragment)}
			}
		}
	}
	return Decision{Allowed: true}
}
