package webstream

import (
	"sync"
	"time"
)

const (
	// low priority streams are held back for at most this long after the
	// most recent high priority stream started
	highPriorityWindow = 5 * time.Second
	lowPriorityDelay   = 100 * time.Millisecond
)

// PriorityGate delays low priority streams while high priority ones are
// active. One gate is shared by all streams of a session.
type PriorityGate struct {
	mu     sync.Mutex
	active int
	start  time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewPriorityGate creates a gate with no active streams.
func NewPriorityGate() *PriorityGate {
	return &PriorityGate{now: time.Now, sleep: time.Sleep}
}

// Started records that a high priority stream began.
func (g *PriorityGate) Started() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	g.start = g.now()
}

// Ended records that a high priority stream finished.
func (g *PriorityGate) Ended() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// Wait sleeps briefly if a high priority stream is active and started
// recently.
func (g *PriorityGate) Wait() {
	g.mu.Lock()
	hold := g.active > 0 && g.now().Sub(g.start) <= highPriorityWindow
	g.mu.Unlock()
	if hold {
		g.sleep(lowPriorityDelay)
	}
}

// Active is the number of high priority streams in flight.
func (g *PriorityGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
