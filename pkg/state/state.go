/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package state

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Keys of the counters kept in a state dict.
const (
	KeyIteration   = "iteration"
	KeyEpoch       = "epoch"
	KeyEpochLength = "epoch_length"
	KeyMaxEpochs   = "max_epochs"
)

var (
	// RequiredKeys must be present in every state dict.
	RequiredKeys = []string{KeyEpochLength, KeyMaxEpochs}

	// OneOfKeys lists the counters of which exactly one must be present in a state dict.
	// The first one is the counter written when producing a state dict.
	OneOfKeys = []string{KeyIteration, KeyEpoch}
)

// State is the mutable run state of an engine.
type State struct {
	// Number of batches processed since the beginning of the run.
	Iteration uint64

	// Number of epochs started. An epoch is counted as soon as it starts,
	// so after a completed run Epoch equals MaxEpochs.
	Epoch uint64

	// Number of iterations per epoch. 0 if not known yet.
	EpochLength uint64

	// Number of epochs to run. 0 if not set yet.
	MaxEpochs uint64

	// Batch and Output hold the last fetched batch and the result of processing it.
	Batch  interface{}
	Output interface{}

	Metrics map[string]float64

	// Durations of the last epoch and of the whole run, keyed by the name of the
	// event that ended them.
	Times map[string]time.Duration

	attrs Dict
}

type Option func(*State)

func WithIteration(iteration uint64) Option {
	return func(s *State) { s.Iteration = iteration }
}

func WithEpoch(epoch uint64) Option {
	return func(s *State) { s.Epoch = epoch }
}

func WithEpochLength(epochLength uint64) Option {
	return func(s *State) { s.EpochLength = epochLength }
}

func WithMaxEpochs(maxEpochs uint64) Option {
	return func(s *State) { s.MaxEpochs = maxEpochs }
}

// WithAttr sets a user attribute.
func WithAttr(key string, value interface{}) Option {
	return func(s *State) { s.Set(key, value) }
}

// New returns a State with all counters at zero, modified by opts.
func New(opts ...Option) *State {
	s := &State{
		Metrics: make(map[string]float64),
		Times:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set stores a user attribute.
func (s *State) Set(key string, value interface{}) {
	s.attrs.Set(key, value)
}

// Get returns a user attribute and whether it has been set.
func (s *State) Get(key string) (interface{}, bool) {
	return s.attrs.Get(key)
}

// Has reports whether the user attribute key has been set.
func (s *State) Has(key string) bool {
	return s.attrs.Has(key)
}

// Delete removes a user attribute.
func (s *State) Delete(key string) {
	s.attrs.Delete(key)
}

// UserKeys returns the names of the user attributes in the order they were first set.
func (s *State) UserKeys() []string {
	return s.attrs.Keys()
}

// MaxIterations returns EpochLength*MaxEpochs, or 0 if either is unknown.
// A product exceeding the counter range is capped at math.MaxUint64.
func (s *State) MaxIterations() uint64 {
	hi, lo := bits.Mul64(s.EpochLength, s.MaxEpochs)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Done reports whether a run with this state has nothing left to do.
func (s *State) Done() bool {
	if s.MaxEpochs == 0 {
		return false
	}
	if s.Epoch >= s.MaxEpochs {
		return true
	}
	return s.EpochLength > 0 && s.Iteration >= s.MaxIterations()
}

// EpochIteration returns the number of iterations already done in the current epoch.
func (s *State) EpochIteration() uint64 {
	if s.EpochLength == 0 {
		return 0
	}
	return s.Iteration % s.EpochLength
}

func (s *State) String() string {
	return fmt.Sprintf("State{iteration: %d, epoch: %d, epoch_length: %d, max_epochs: %d, attrs: %s}",
		s.Iteration, s.Epoch, s.EpochLength, s.MaxEpochs, s.attrs.String())
}
