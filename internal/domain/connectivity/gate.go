package connectivity

import "sync"

// Gate tracks the binary online/offline state fed by environment signals.
// It is a pure signal boundary: it never touches the queue or events, it
// only notifies subscribers of transitions.
type Gate struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// NewGate creates a gate with the given initial state. No transition is
// reported for the initial state.
func NewGate(online bool) *Gate {
	return &Gate{online: online, subs: make(map[int]func(bool))}
}

// IsOnline reports the current state.
func (g *Gate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// OnTransition subscribes to state changes. The callback receives the new
// state and runs outside the gate lock. The returned function unsubscribes.
func (g *Gate) OnTransition(fn func(online bool)) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, id)
	}
}

// Set records a new observation. Subscribers fire only on an actual
// transition; repeated observations of the same state are no-ops.
func (g *Gate) Set(online bool) {
	g.mu.Lock()
	if g.online == online {
		g.mu.Unlock()
		return
	}
	g.online = online
	subs := make([]func(bool), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
