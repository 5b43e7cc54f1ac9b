/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package events defines the events fired by a training engine during a run
// and the filters restricting which occurrences of an event reach a handler.
package events

// Type names an event. Custom event types are plain new values
// that need to be registered with an engine before they can be fired.
type Type string

const (
	Started                 Type = "started"
	EpochStarted            Type = "epoch_started"
	GetBatchStarted         Type = "get_batch_started"
	GetBatchCompleted       Type = "get_batch_completed"
	IterationStarted        Type = "iteration_started"
	IterationCompleted      Type = "iteration_completed"
	EpochCompleted          Type = "epoch_completed"
	Completed               Type = "completed"
	Terminate               Type = "terminate"
	TerminateSingleEpoch    Type = "terminate_single_epoch"
	ExceptionRaised         Type = "exception_raised"
	DataloaderStopIteration Type = "dataloader_stop_iteration"
)

// Builtins lists the event types every engine knows about.
var Builtins = []Type{
	Started,
	EpochStarted,
	GetBatchStarted,
	GetBatchCompleted,
	IterationStarted,
	IterationCompleted,
	EpochCompleted,
	Completed,
	Terminate,
	TerminateSingleEpoch,
	ExceptionRaised,
	DataloaderStopIteration,
}

// Scope tells which counter an event is numbered by.
type Scope int

const (
	// RunScope events are numbered by how many times the engine fired them.
	RunScope Scope = iota
	// EpochScope events are numbered by the epoch counter of the state.
	EpochScope
	// IterationScope events are numbered by the iteration counter of the state.
	IterationScope
)

// Scope returns the counter t is numbered by.
func (t Type) Scope() Scope {
	switch t {
	case GetBatchStarted, GetBatchCompleted, IterationStarted, IterationCompleted:
		return IterationScope
	case EpochStarted, EpochCompleted:
		return EpochScope
	default:
		return RunScope
	}
}

// Builtin reports whether t is one of Builtins.
func (t Type) Builtin() bool {
	for _, b := range Builtins {
		if b == t {
			return true
		}
	}
	return false
}

// Counters is the snapshot a filter decides on.
// Event is the number of the occurrence being fired, as defined by the event's Scope.
type Counters struct {
	Event       uint64
	Iteration   uint64
	Epoch       uint64
	EpochLength uint64
	MaxEpochs   uint64
}
