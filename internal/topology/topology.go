// Package topology owns the two long lived loops every endpoint of a factory
// shares: the I/O loop, which exclusively owns endpoint network and crypto
// state, and the event loop, which delivers notifications to observers.
//
// Tasks posted to the same loop run in posting order. Closing the topology
// discards tasks that have not started and joins both loops.
package topology

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Selector names a loop.
type Selector int

const (
	IO Selector = iota
	Event
)

func (s Selector) String() string {
	switch s {
	case IO:
		return "io"
	case Event:
		return "event"
	default:
		return fmt.Sprintf("selector(%d)", int(s))
	}
}

const (
	ioLoopName    = "wtransport_io_loop"
	eventLoopName = "wtransport_event_loop"
)

// Topology is the pair of loops created once per factory.
type Topology struct {
	io    *Loop
	event *Loop

	closeOnce sync.Once
}

// New starts both loops and returns once they are running.
func New(logger zerolog.Logger) *Topology {
	t := &Topology{
		io:    newLoop(ioLoopName, logger),
		event: newLoop(eventLoopName, logger),
	}

	for _, l := range []*Loop{t.io, t.event} {
		started := make(chan struct{})
		go l.run(started)
		<-started
	}

	return t
}

// IO returns the loop that owns endpoint state.
func (t *Topology) IO() *Loop { return t.io }

// Event returns the notification loop.
func (t *Topology) Event() *Loop { return t.event }

// Loop resolves a selector.
func (t *Topology) Loop(sel Selector) (*Loop, error) {
	switch sel {
	case IO:
		return t.io, nil
	case Event:
		return t.event, nil
	default:
		return nil, fmt.Errorf("topology: unknown loop %s", sel)
	}
}

// PostTask enqueues task on the selected loop.
func (t *Topology) PostTask(sel Selector, task Task) error {
	l, err := t.Loop(sel)
	if err != nil {
		return err
	}
	return l.Post(task)
}

// Close tears down the I/O loop then the event loop. It is safe to call more
// than once and returns the number of queued tasks that were discarded.
func (t *Topology) Close() int {
	dropped := 0
	t.closeOnce.Do(func() {
		dropped = t.io.close() + t.event.close()
	})
	return dropped
}
