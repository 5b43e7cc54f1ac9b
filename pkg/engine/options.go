/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Interceptor observes every event fired by an engine, before its handlers run.
// The state must not be retained, it keeps changing after Intercept returns.
type Interceptor interface {
	Intercept(engine string, t events.Type, s *state.State) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger of the engine. Defaults to logging.NilLogger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInterceptor makes the engine pass every fired event to interceptor.
func WithInterceptor(interceptor Interceptor) Option {
	return func(e *Engine) {
		e.interceptor = interceptor
	}
}

// WithName names the engine in log messages and intercepted events.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

type runOptions struct {
	maxEpochs   *uint64
	epochLength *uint64
}

// RunOption overrides a run parameter for a single call to Run.
type RunOption func(*runOptions)

// WithMaxEpochs sets the number of epochs to run.
// For a new run it defaults to 1, a resumed run keeps the value of the state.
func WithMaxEpochs(n uint64) RunOption {
	return func(o *runOptions) {
		o.maxEpochs = &n
	}
}

// WithEpochLength sets the number of iterations per epoch.
// For a new run it defaults to the length of the data.
func WithEpochLength(n uint64) RunOption {
	return func(o *runOptions) {
		o.epochLength = &n
	}
}

func resolveRunOptions(opts []RunOption) runOptions {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}
