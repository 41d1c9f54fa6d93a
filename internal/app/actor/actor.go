// Package actor holds the lifecycle, worker, observable-value and connectivity
// plumbing shared by the broker, producers and caches.
package actor

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/eventfabric/errs"
)

// State is the lifecycle state of an actor.
type State int

const (
	// Ready actors have been built but not run.
	Ready State = iota
	// Running actors have live workers.
	Running
	// Destroyed actors have released their resources and cannot run again.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Lifecycle enforces Ready -> Running -> Destroyed. Running twice, running
// after destroy and destroying twice are invalid operations.
type Lifecycle struct {
	id        uuid.UUID
	component string
	logger    *log.Logger

	mu    sync.Mutex
	state State
}

// NewLifecycle returns a Ready lifecycle with a fresh identity.
func NewLifecycle(component string, logger *log.Logger) *Lifecycle {
	if logger == nil {
		logger = log.Default()
	}
	return &Lifecycle{id: uuid.New(), component: component, logger: logger}
}

// ID returns the actor identity.
func (l *Lifecycle) ID() uuid.UUID { return l.id }

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run invokes start and moves to Running when it succeeds.
func (l *Lifecycle) Run(start func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Running:
		return errs.InvalidOperation(l.component, "actor is already running")
	case Destroyed:
		return errs.InvalidOperation(l.component, "actor has been destroyed")
	}
	if start != nil {
		if err := start(); err != nil {
			return err
		}
	}
	l.state = Running
	l.logger.Printf("started id=%s", l.id)
	return nil
}

// Destroy invokes stop and moves to Destroyed. stop errors are returned but
// the actor is destroyed regardless.
func (l *Lifecycle) Destroy(stop func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Destroyed {
		return errs.InvalidOperation(l.component, "actor is already destroyed")
	}
	var err error
	if stop != nil {
		err = stop()
	}
	l.state = Destroyed
	l.logger.Printf("destroyed id=%s", l.id)
	return err
}

// Workers runs long-lived duties sharing one shutdown signal.
type Workers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewWorkers derives the shutdown signal from parent.
func NewWorkers(parent context.Context) *Workers {
	ctx, cancel := context.WithCancel(parent)
	return &Workers{ctx: ctx, cancel: cancel}
}

// Context is cancelled when Stop is called.
func (w *Workers) Context() context.Context { return w.ctx }

// Go starts fn on its own goroutine. Panics are re-raised by Stop.
func (w *Workers) Go(fn func(ctx context.Context)) {
	w.wg.Go(func() { fn(w.ctx) })
}

// Stop signals shutdown and waits for every worker to return.
func (w *Workers) Stop() {
	w.cancel()
	w.wg.Wait()
}
