/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// Filter decides whether an occurrence of an event is passed on to a handler.
type Filter func(c Counters) bool

// Event is an event type, optionally restricted by a filter.
// Construction errors of filters (e.g. Every(0)) are kept in the Event
// and reported when the event is used to register a handler.
type Event struct {
	Type   Type
	Filter Filter

	desc string
	err  error
}

// Event returns the unfiltered event of type t.
func (t Type) Event() Event {
	return Event{Type: t}
}

// Every passes every n-th occurrence of t.
func (t Type) Every(n uint64) Event {
	if n == 0 {
		return t.invalid("every", errors.New("argument every should be a positive integer"))
	}
	return Event{
		Type:   t,
		Filter: func(c Counters) bool { return c.Event%n == 0 },
		desc:   fmt.Sprintf("every=%d", n),
	}
}

// Once passes only the n-th occurrence of t.
func (t Type) Once(n uint64) Event {
	if n == 0 {
		return t.invalid("once", errors.New("argument once should be a positive integer"))
	}
	return Event{
		Type:   t,
		Filter: func(c Counters) bool { return c.Event == n },
		desc:   fmt.Sprintf("once=%d", n),
	}
}

// Before passes the occurrences numbered strictly below n.
func (t Type) Before(n uint64) Event {
	return Event{
		Type:   t,
		Filter: func(c Counters) bool { return c.Event < n },
		desc:   fmt.Sprintf("before=%d", n),
	}
}

// After passes the occurrences numbered strictly above n.
func (t Type) After(n uint64) Event {
	return Event{
		Type:   t,
		Filter: func(c Counters) bool { return c.Event > n },
		desc:   fmt.Sprintf("after=%d", n),
	}
}

// When passes the occurrences for which the boolean expression holds.
// The expression can refer to event, iteration, epoch, epoch_length and max_epochs,
// e.g. "epoch % 2 == 0 && iteration > 100".
func (t Type) When(expression string) Event {
	program, err := CompileCondition(expression)
	if err != nil {
		return t.invalid("when", err)
	}
	return Event{
		Type: t,
		Filter: func(c Counters) bool {
			ok, err := program.Eval(c)
			return err == nil && ok
		},
		desc: fmt.Sprintf("when=%q", expression),
	}
}

func (t Type) invalid(kind string, err error) Event {
	return Event{Type: t, desc: kind, err: errors.WithMessagef(err, "invalid %s filter on event %s", kind, t)}
}

// Err returns the error encountered while building the filter, if any.
func (e Event) Err() error {
	return e.err
}

// Allows reports whether the filter of e passes the occurrence described by c.
func (e Event) Allows(c Counters) bool {
	return e.Filter == nil || e.Filter(c)
}

func (e Event) String() string {
	if e.desc == "" {
		return string(e.Type)
	}
	return fmt.Sprintf("%s(%s)", e.Type, e.desc)
}

// Condition is a compiled boolean expression over Counters.
type Condition struct {
	expression string
	program    *exprvm.Program
}

// CompileCondition compiles a boolean expression over the counters of a run.
func CompileCondition(expression string) (*Condition, error) {
	if expression == "" {
		return nil, errors.New("expression must not be empty")
	}
	program, err := exprlang.Compile(expression, exprlang.Env(env(Counters{})), exprlang.AsBool())
	if err != nil {
		return nil, errors.WithMessagef(err, "could not compile expression %q", expression)
	}
	return &Condition{expression: expression, program: program}, nil
}

// Eval evaluates the condition against c.
func (cond *Condition) Eval(c Counters) (bool, error) {
	result, err := exprlang.Run(cond.program, env(c))
	if err != nil {
		return false, errors.WithMessagef(err, "could not evaluate expression %q", cond.expression)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, errors.Errorf("expression %q evaluated to %T, not bool", cond.expression, result)
	}
	return ok, nil
}

func (cond *Condition) String() string {
	return cond.expression
}

func env(c Counters) map[string]interface{} {
	return map[string]interface{}{
		"event":        int(c.Event),
		"iteration":    int(c.Iteration),
		"epoch":        int(c.Epoch),
		"epoch_length": int(c.EpochLength),
		"max_epochs":   int(c.MaxEpochs),
	}
}
