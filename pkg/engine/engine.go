/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package engine implements an event-driven training loop.
//
// An Engine repeatedly fetches batches from a data.Loader and passes them to a
// process function, firing events (see package events) around every iteration,
// epoch and run. Handlers attached to these events implement everything else:
// evaluation, logging, checkpointing, early stopping.
//
// The run state of an engine can be snapshotted with StateDict and restored with
// LoadStateDict, in which case the next call to Run resumes from the restored state.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/data"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// ProcessFunc processes a single batch. Its result is stored as the Output of the state.
type ProcessFunc func(e *Engine, batch interface{}) (interface{}, error)

// Handler reacts to an event. A returned error aborts the run.
type Handler func(ctx context.Context, e *Engine) error

// ErrorHandler is invoked with the error that aborted a run.
// Returning nil swallows the error, Run then returns without error.
type ErrorHandler func(ctx context.Context, e *Engine, err error) error

type handlerEntry struct {
	id    uint64
	event events.Event
	fn    ErrorHandler
}

// Engine runs a process function over data and fires events while doing so.
// Handlers run on the goroutine calling Run. Terminate and TerminateEpoch may be
// called from any goroutine.
type Engine struct {
	name        string
	process     ProcessFunc
	logger      logging.Logger
	interceptor Interceptor

	state    *state.State
	userKeys []string

	// Guards registered, handlers and nextHandlerID.
	mutex         sync.Mutex
	registered    map[events.Type]struct{}
	handlers      map[events.Type][]*handlerEntry
	nextHandlerID uint64

	// Number of times each RunScope event has been fired.
	fireCounts map[events.Type]uint64

	running              int32
	shouldTerminate      int32
	shouldTerminateEpoch int32

	loader data.Loader
	iter   data.Iterator
	err    error

	// Iterations of the current epoch done before the run was resumed.
	resumeOffset uint64
}

// New returns an engine running process on every batch.
func New(process ProcessFunc, opts ...Option) *Engine {
	e := &Engine{
		name:       "engine",
		process:    process,
		logger:     logging.NilLogger,
		registered: make(map[events.Type]struct{}),
		handlers:   make(map[events.Type][]*handlerEntry),
		fireCounts: make(map[events.Type]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Decorate(e.logger, "", "engine", e.name)

	for _, t := range events.Builtins {
		e.registered[t] = struct{}{}
	}
	return e
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Logger returns the logger of the engine, for use in handlers.
func (e *Engine) Logger() logging.Logger {
	return e.logger
}

// State returns the current state, nil before the first run or restore.
func (e *Engine) State() *state.State {
	return e.state
}

// SetState replaces the state of the engine.
func (e *Engine) SetState(s *state.State) {
	e.state = s
}

// Err returns the error that aborted the last run, if any.
func (e *Engine) Err() error {
	return e.err
}

// Running reports whether Run is in progress.
func (e *Engine) Running() bool {
	return atomic.LoadInt32(&e.running) == 1
}

// Terminate makes the engine stop after the current iteration.
// The Terminate and Completed events are fired before Run returns.
func (e *Engine) Terminate() {
	atomic.StoreInt32(&e.shouldTerminate, 1)
}

// TerminateEpoch makes the engine end the current epoch after the current iteration.
func (e *Engine) TerminateEpoch() {
	atomic.StoreInt32(&e.shouldTerminateEpoch, 1)
}

func (e *Engine) terminating() bool {
	return atomic.LoadInt32(&e.shouldTerminate) == 1
}

// ============================================================
// Events and handlers
// ============================================================

// RemovableHandle detaches a handler from its engine.
type RemovableHandle struct {
	engine *Engine
	t      events.Type
	id     uint64
}

// Remove detaches the handler. Returns false if it was already removed.
func (h *RemovableHandle) Remove() bool {
	return h.engine.removeHandler(h.t, h.id)
}

// RegisterEvents makes custom event types known to the engine, so that
// handlers can be attached to them and they can be fired with Fire.
func (e *Engine) RegisterEvents(types ...events.Type) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for _, t := range types {
		if t == "" {
			return errors.New("event type must not be empty")
		}
		e.registered[t] = struct{}{}
	}
	return nil
}

// AddEventHandler attaches h to ev. Handlers of the same event run in the order they were added.
func (e *Engine) AddEventHandler(ev events.Event, h Handler) (*RemovableHandle, error) {
	if h == nil {
		return nil, errors.Errorf("handler for event %s must not be nil", ev)
	}
	return e.addHandler(ev, func(ctx context.Context, e *Engine, _ error) error {
		return h(ctx, e)
	})
}

// On attaches h to ev, dropping the handle.
func (e *Engine) On(ev events.Event, h Handler) error {
	_, err := e.AddEventHandler(ev, h)
	return err
}

// AddErrorHandler attaches h to the ExceptionRaised event.
// As soon as one error handler is attached, errors aborting a run are passed to
// the error handlers instead of being returned from Run.
func (e *Engine) AddErrorHandler(h ErrorHandler) (*RemovableHandle, error) {
	if h == nil {
		return nil, errors.New("error handler must not be nil")
	}
	return e.addHandler(events.ExceptionRaised.Event(), h)
}

func (e *Engine) addHandler(ev events.Event, fn ErrorHandler) (*RemovableHandle, error) {
	if err := ev.Err(); err != nil {
		return nil, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.registered[ev.Type]; !ok {
		return nil, errors.WithMessagef(ErrUnknownEvent, "event %s is not registered", ev.Type)
	}

	e.nextHandlerID++
	entry := &handlerEntry{id: e.nextHandlerID, event: ev, fn: fn}
	e.handlers[ev.Type] = append(e.handlers[ev.Type], entry)
	return &RemovableHandle{engine: e, t: ev.Type, id: entry.id}, nil
}

func (e *Engine) removeHandler(t events.Type, id uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	entries := e.handlers[t]
	for i, entry := range entries {
		if entry.id == id {
			// Copy, so that an ongoing fire keeps iterating over the old slice.
			remaining := make([]*handlerEntry, 0, len(entries)-1)
			remaining = append(remaining, entries[:i]...)
			remaining = append(remaining, entries[i+1:]...)
			e.handlers[t] = remaining
			return true
		}
	}
	return false
}

// HasEventHandler reports whether at least one handler is attached to t.
func (e *Engine) HasEventHandler(t events.Type) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.handlers[t]) > 0
}

// Fire fires the registered event t, typically a custom one, from within a handler
// or the process function.
func (e *Engine) Fire(ctx context.Context, t events.Type) error {
	e.mutex.Lock()
	_, ok := e.registered[t]
	e.mutex.Unlock()
	if !ok {
		return errors.WithMessagef(ErrUnknownEvent, "cannot fire event %s", t)
	}
	return e.fire(ctx, t)
}

func (e *Engine) counters(t events.Type) events.Counters {
	var c events.Counters
	if e.state != nil {
		c.Iteration = e.state.Iteration
		c.Epoch = e.state.Epoch
		c.EpochLength = e.state.EpochLength
		c.MaxEpochs = e.state.MaxEpochs
	}
	switch t.Scope() {
	case events.IterationScope:
		c.Event = c.Iteration
	case events.EpochScope:
		c.Event = c.Epoch
	default:
		c.Event = e.fireCounts[t]
	}
	return c
}

func (e *Engine) fire(ctx context.Context, t events.Type) error {
	if t.Scope() == events.RunScope {
		e.fireCounts[t]++
	}

	if e.interceptor != nil {
		if err := e.interceptor.Intercept(e.name, t, e.state); err != nil {
			e.logger.Log(logging.LevelWarn, "Event interceptor failed.", "event", t, "error", err)
		}
	}

	e.mutex.Lock()
	entries := e.handlers[t]
	e.mutex.Unlock()

	c := e.counters(t)
	for _, entry := range entries {
		if !entry.event.Allows(c) {
			continue
		}
		if err := entry.fn(ctx, e, e.err); err != nil {
			return errors.WithMessagef(err, "handler of %s failed", entry.event)
		}
	}
	return nil
}
