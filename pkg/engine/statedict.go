/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// StateDictUserKeys returns the user attributes included in state dicts, in declaration order.
func (e *Engine) StateDictUserKeys() []string {
	keys := make([]string, len(e.userKeys))
	copy(keys, e.userKeys)
	return keys
}

// AddStateDictUserKeys declares state attributes that StateDict includes and
// LoadStateDict requires. Keys already declared are ignored.
func (e *Engine) AddStateDictUserKeys(keys ...string) {
	for _, key := range keys {
		if !e.isUserKey(key) {
			e.userKeys = append(e.userKeys, key)
		}
	}
}

func (e *Engine) isUserKey(key string) bool {
	for _, k := range e.userKeys {
		if k == key {
			return true
		}
	}
	return false
}

// StateDict returns a snapshot of the state holding epoch_length, max_epochs,
// iteration and the declared user attributes, in that order.
// The dict is empty if the engine has no state. A declared user attribute
// that has not been set is included with a nil value.
func (e *Engine) StateDict() *state.Dict {
	d := state.NewDict()
	if e.state == nil {
		return d
	}

	d.Set(state.KeyEpochLength, e.state.EpochLength).
		Set(state.KeyMaxEpochs, e.state.MaxEpochs).
		Set(state.OneOfKeys[0], e.state.Iteration)
	for _, k := range e.userKeys {
		v, _ := e.state.Get(k)
		d.Set(k, v)
	}
	return d
}

// LoadStateDictFrom converts v with state.AsMapping and loads it.
func (e *Engine) LoadStateDictFrom(v interface{}) error {
	m, err := state.AsMapping(v)
	if err != nil {
		return err
	}
	return e.LoadStateDict(m)
}

// LoadStateDict restores the state from m, creating the state if there is none.
//
// m must hold epoch_length, max_epochs, every declared user key and exactly one
// of iteration or epoch; the other counter is derived using epoch_length.
// The state is only modified if m is valid.
func (e *Engine) LoadStateDict(m state.Mapping) error {
	if _, err := state.AsMapping(m); err != nil {
		return err
	}

	for _, k := range state.RequiredKeys {
		if _, ok := m.Get(k); !ok {
			return errors.WithMessagef(ErrInvalidStateDict,
				"Required state attribute '%s' is absent in provided state_dict '%v'", k, m.Keys())
		}
	}
	for _, k := range e.userKeys {
		if _, ok := m.Get(k); !ok {
			return errors.WithMessagef(ErrInvalidStateDict,
				"Required user state attribute '%s' is absent in provided state_dict '%v'", k, m.Keys())
		}
	}
	present := 0
	for _, k := range state.OneOfKeys {
		if _, ok := m.Get(k); ok {
			present++
		}
	}
	if present != 1 {
		return errors.WithMessagef(ErrInvalidStateDict,
			"state_dict should contain only one of '%v' keys", state.OneOfKeys)
	}

	maxEpochs, err := counter(m, state.KeyMaxEpochs)
	if err != nil {
		return err
	}
	epochLength, err := counter(m, state.KeyEpochLength)
	if err != nil {
		return err
	}

	var iteration, epoch uint64
	if _, ok := m.Get(state.KeyIteration); ok {
		if iteration, err = counter(m, state.KeyIteration); err != nil {
			return err
		}
		if epochLength > 0 {
			epoch = iteration / epochLength
		}
	} else {
		if epoch, err = counter(m, state.KeyEpoch); err != nil {
			return err
		}
		if epochLength == 0 {
			return errors.WithMessagef(ErrInvalidStateDict,
				"If epoch is provided in the state dict, epoch_length should not be zero. Input state_dict: '%v'", m.Keys())
		}
		var overflow bool
		if iteration, overflow = multiply(epoch, epochLength); overflow {
			return errors.WithMessagef(ErrInvalidStateDict,
				"epoch %d times epoch_length %d overflows the iteration counter", epoch, epochLength)
		}
	}
	if _, overflow := multiply(maxEpochs, epochLength); overflow {
		return errors.WithMessagef(ErrInvalidStateDict,
			"max_epochs %d times epoch_length %d overflows the iteration counter", maxEpochs, epochLength)
	}

	if e.state == nil {
		e.state = state.New()
	}
	e.state.MaxEpochs = maxEpochs
	e.state.EpochLength = epochLength
	e.state.Iteration = iteration
	e.state.Epoch = epoch
	for _, k := range e.userKeys {
		v, _ := m.Get(k)
		e.state.Set(k, v)
	}
	return nil
}

func counter(m state.Mapping, key string) (uint64, error) {
	v, _ := m.Get(key)
	n, err := state.ToUint64(v)
	if err != nil {
		return 0, errors.WithMessagef(ErrInvalidStateDict, "state attribute '%s' is invalid: %v", key, err)
	}
	return n, nil
}

// multiply returns a*b and whether the product overflows.
func multiply(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}
