package broker

import "sync"

// ReadinessGate is a one-shot broadcast cell recording that the chat
// transport has completed its connection handshake. It has exactly one
// writer (the transport's ready callback) and many readers (every Ask).
type ReadinessGate struct {
	once sync.Once
	ch   chan struct{}
}

func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{ch: make(chan struct{})}
}

// Set marks the gate ready. Safe to call more than once; only the first
// call has any effect.
func (g *ReadinessGate) Set() {
	g.once.Do(func() { close(g.ch) })
}

// IsSet reports whether the gate has been set.
func (g *ReadinessGate) IsSet() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the gate is set.
func (g *ReadinessGate) Done() <-chan struct{} {
	return g.ch
}
