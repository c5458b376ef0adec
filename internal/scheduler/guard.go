package scheduler

import (
	"log"
	"sync"
	"time"
)

// jobGuard enforces the per-job execution discipline: at most
// maxInstances overlapping runs, ticks arriving beyond that coalesce
// into a single deferred run, and a coalesced run that would start more
// than the grace period late is skipped as a misfire.
type jobGuard struct {
	name         string
	maxInstances int
	grace        time.Duration

	mu           sync.Mutex
	active       int
	pending      bool
	pendingSince time.Time

	now func() time.Time // test seam
}

func newJobGuard(name string, maxInstances int, grace time.Duration) *jobGuard {
	return &jobGuard{
		name:         name,
		maxInstances: maxInstances,
		grace:        grace,
		now:          time.Now,
	}
}

// run executes fn under the discipline. Callers invoke it once per tick.
func (g *jobGuard) run(fn func()) {
	g.mu.Lock()
	if g.active >= g.maxInstances {
		// Collapse however many ticks pile up into one pending run.
		if !g.pending {
			g.pending = true
			g.pendingSince = g.now()
		}
		g.mu.Unlock()
		return
	}
	g.active++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
		g.drain(fn)
	}()
	fn()
}

// drain runs a coalesced tick if one is waiting and still within the
// misfire grace window.
func (g *jobGuard) drain(fn func()) {
	g.mu.Lock()
	if !g.pending {
		g.mu.Unlock()
		return
	}
	g.pending = false
	late := g.now().Sub(g.pendingSince)
	if late > g.grace {
		g.mu.Unlock()
		log.Printf("[scheduler] %s: coalesced tick %v late, past %v grace; skipped", g.name, late, g.grace)
		return
	}
	g.active++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()
	fn()
}
