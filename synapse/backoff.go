package synapse

import (
	"math"
	"time"

	"github.com/najoast/nexus/kpp"
)

// ResurrectionDelay is base * 2^attempts * gravity, capped at ceiling.
func ResurrectionDelay(attempts int, gravity float64, base, ceiling time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if gravity < 0 {
		gravity = 0
	}
	d := float64(base) * math.Pow(2, float64(attempts)) * gravity
	if d >= float64(ceiling) || math.IsInf(d, 1) {
		return ceiling
	}
	return time.Duration(d)
}

// undoStack keeps the most recent accepted packets, oldest evicted first.
type undoStack struct {
	items []*kpp.Packet
	depth int
}

func newUndoStack(depth int) *undoStack {
	return &undoStack{depth: depth}
}

func (u *undoStack) push(p *kpp.Packet) {
	if u.depth <= 0 {
		return
	}
	if len(u.items) == u.depth {
		copy(u.items, u.items[1:])
		u.items = u.items[:len(u.items)-1]
	}
	u.items = append(u.items, p)
}

func (u *undoStack) pop() (*kpp.Packet, bool) {
	if len(u.items) == 0 {
		return nil, false
	}
	p := u.items[len(u.items)-1]
	u.items[len(u.items)-1] = nil
	u.items = u.items[:len(u.items)-1]
	return p, true
}

func (u *undoStack) len() int { return len(u.items) }
