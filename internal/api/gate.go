package api

import "sync"

// MaintenanceGate keeps bulk state replacement and regular traffic from
// interleaving. Request handlers hold the shared side for the duration of a
// request; restore and drill take the exclusive side around Replace. All
// methods tolerate a nil gate.
type MaintenanceGate struct {
	mu sync.RWMutex
}

// Enter takes the shared side and returns the release func.
func (g *MaintenanceGate) Enter() func() {
	if g == nil {
		return func() {}
	}
	g.mu.RLock()
	return g.mu.RUnlock
}

// Exclusive drains in-flight requests and blocks new ones until released.
func (g *MaintenanceGate) Exclusive() func() {
	if g == nil {
		return func() {}
	}
	g.mu.Lock()
	return g.mu.Unlock
}
