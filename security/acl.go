// Package security holds the static privilege table consulted by the router
// and the policy contract organs use before answering queries.
package security

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInsufficientScope = errors.New("security: asserted scope exceeds privilege")

// Level is a numeric privilege. Higher values grant more.
type Level int

const (
	LevelGuest Level = iota
	LevelOrgan
	LevelTrusted
	LevelSystem

	LevelMin = LevelGuest
	LevelMax = LevelSystem
)

// String returns the configuration name of the level.
func (l Level) String() string {
	switch l {
	case LevelGuest:
		return "guest"
	case LevelOrgan:
		return "organ"
	case LevelTrusted:
		return "trusted"
	case LevelSystem:
		return "system"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts a level name or its number.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "guest", "0":
		return LevelGuest, nil
	case "organ", "1":
		return LevelOrgan, nil
	case "trusted", "2":
		return LevelTrusted, nil
	case "system", "3":
		return LevelSystem, nil
	default:
		return LevelGuest, fmt.Errorf("security: unknown privilege level %q", raw)
	}
}

// Table maps organ URNs to privilege levels. It is immutable after
// construction.
type Table struct {
	entries map[string]Level
}

// NewTable copies entries into a new table.
func NewTable(entries map[string]Level) *Table {
	t := &Table{entries: make(map[string]Level, len(entries))}
	for urn, level := range entries {
		t.entries[urn] = level
	}
	return t
}

// Privilege returns the registered level for urn, or the lowest level when
// the urn is not listed.
func (t *Table) Privilege(urn string) Level {
	if t == nil {
		return LevelMin
	}
	if level, ok := t.entries[urn]; ok {
		return level
	}
	return LevelMin
}

// Authorize rejects a sender asserting more scope than it holds.
func (t *Table) Authorize(urn string, scope int) error {
	if Level(scope) > t.Privilege(urn) {
		return fmt.Errorf("%w: %s asserted %d, holds %s", ErrInsufficientScope, urn, scope, t.Privilege(urn))
	}
	return nil
}

// IsMax reports whether urn holds the maximal privilege.
func (t *Table) IsMax(urn string) bool {
	return t.Privilege(urn) == LevelMax
}

// Entries returns a copy of the table contents.
func (t *Table) Entries() map[string]Level {
	out := make(map[string]Level, len(t.entries))
	for urn, level := range t.entries {
		out[urn] = level
	}
	return out
}
