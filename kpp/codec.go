package kpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Schema errors.
var (
	ErrMalformed     = errors.New("kpp: malformed packet")
	ErrVersion       = errors.New("kpp: unsupported protocol version")
	ErrMissingField  = errors.New("kpp: missing required field")
	ErrUnknownIntent = errors.New("kpp: unknown intent")
	ErrOutOfRange    = errors.New("kpp: field out of range")
)

// Validate checks a decoded packet against the packet schema.
func Validate(p *Packet) error {
	if p == nil {
		return ErrMalformed
	}
	if p.Nexus.Version != Version {
		return fmt.Errorf("%w: %q", ErrVersion, p.Nexus.Version)
	}
	if p.Nexus.ID == "" {
		return fmt.Errorf("%w: nexus.id", ErrMissingField)
	}
	if p.Nexus.Timestamp <= 0 {
		return fmt.Errorf("%w: nexus.timestamp", ErrMissingField)
	}
	if p.Nexus.TTL <= 0 {
		return fmt.Errorf("%w: nexus.ttl %d", ErrOutOfRange, p.Nexus.TTL)
	}
	if p.Nexus.Priority < MinPriority || p.Nexus.Priority > MaxPriority {
		return fmt.Errorf("%w: nexus.priority %d", ErrOutOfRange, p.Nexus.Priority)
	}
	if p.Nexus.GravityFactor < 0 || p.Nexus.GravityFactor > 1 {
		return fmt.Errorf("%w: nexus.gravity_factor %g", ErrOutOfRange, p.Nexus.GravityFactor)
	}
	if p.Route.From == "" {
		return fmt.Errorf("%w: route.from", ErrMissingField)
	}
	if p.Route.To == "" {
		return fmt.Errorf("%w: route.to", ErrMissingField)
	}
	if !p.Instruction.Intent.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownIntent, p.Instruction.Intent)
	}
	if p.Payload == nil {
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	if p.Health != nil && p.Health.Load < 0 {
		return fmt.Errorf("%w: health.load %g", ErrOutOfRange, p.Health.Load)
	}
	return nil
}

// Parse decodes one wire line. Envelope fields absent from the line take
// their defaults; the result is schema-validated but not integrity-checked.
func Parse(line []byte) (*Packet, error) {
	p := &Packet{
		Nexus: Nexus{
			TTL:           DefaultTTL,
			Priority:      DefaultPriority,
			GravityFactor: DefaultGravity,
		},
	}
	if err := json.Unmarshal(line, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes a packet as a single JSON line without the terminator.
func Marshal(p *Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("kpp: marshal packet %s: %w", p.Nexus.ID, err)
	}
	return data, nil
}
