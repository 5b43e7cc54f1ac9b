/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

var (
	// ErrNotMapping is returned when the value passed as state dict is not a mapping.
	ErrNotMapping = state.ErrNotMapping

	// ErrInvalidStateDict is returned when a state dict misses keys or holds invalid values.
	ErrInvalidStateDict = errors.New("invalid state_dict")

	// ErrInvalidRunArgument is returned when the arguments of Run conflict with the data or the current state.
	ErrInvalidRunArgument = errors.New("invalid run argument")

	// ErrUnknownEvent is returned when handling or firing an event type the engine does not know.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrAlreadyRunning is returned by Run while another Run of the same engine is in progress.
	ErrAlreadyRunning = errors.New("engine is already running")
)
