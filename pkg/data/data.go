/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package data provides the batch sources an engine iterates over.
package data

import (
	"context"
	"io"
	"sync"
)

// Iterator yields batches until it returns io.EOF.
type Iterator interface {
	Next() (interface{}, error)
}

// ContextIterator is implemented by iterators that may block waiting for a batch.
// NextContext returns ctx.Err() once ctx is done.
type ContextIterator interface {
	Iterator
	NextContext(ctx context.Context) (interface{}, error)
}

// Next returns the next batch of it, giving up when ctx is done if it
// implements ContextIterator.
func Next(ctx context.Context, it Iterator) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ci, ok := it.(ContextIterator); ok {
		return ci.NextContext(ctx)
	}
	return it.Next()
}

// Loader creates iterators over a dataset. Calling Iterator again starts
// a new pass over the data, unless the loader is one-shot (see Once).
type Loader interface {
	Iterator() Iterator
}

// Sized is implemented by loaders knowing how many batches a pass yields.
type Sized interface {
	Len() int
}

// Len returns the number of batches of l and whether it is known.
func Len(l Loader) (int, bool) {
	if s, ok := l.(Sized); ok {
		return s.Len(), true
	}
	return 0, false
}

// ============================================================
// Slices and ranges
// ============================================================

type sliceLoader struct {
	items []interface{}
}

// Slice returns a sized loader yielding items in order.
func Slice(items ...interface{}) Loader {
	return &sliceLoader{items: items}
}

func (s *sliceLoader) Len() int {
	return len(s.items)
}

func (s *sliceLoader) Iterator() Iterator {
	i := 0
	return IteratorFunc(func() (interface{}, error) {
		if i >= len(s.items) {
			return nil, io.EOF
		}
		i++
		return s.items[i-1], nil
	})
}

type rangeLoader int

// Range returns a sized loader yielding the ints 0..n-1.
func Range(n int) Loader {
	return rangeLoader(n)
}

func (r rangeLoader) Len() int {
	return int(r)
}

func (r rangeLoader) Iterator() Iterator {
	i := 0
	return IteratorFunc(func() (interface{}, error) {
		if i >= int(r) {
			return nil, io.EOF
		}
		i++
		return i - 1, nil
	})
}

// ============================================================
// One-shot sources
// ============================================================

// IteratorFunc adapts a function to the Iterator interface.
type IteratorFunc func() (interface{}, error)

func (f IteratorFunc) Next() (interface{}, error) {
	return f()
}

type onceLoader struct {
	it Iterator
}

// Once wraps a single iterator into a loader without length.
// Every call to Iterator returns the same, possibly exhausted, iterator.
func Once(it Iterator) Loader {
	return &onceLoader{it: it}
}

func (o *onceLoader) Iterator() Iterator {
	return o.it
}

// Func returns a one-shot loader calling next for every batch.
func Func(next func() (interface{}, error)) Loader {
	return Once(IteratorFunc(next))
}

type chanIterator struct {
	mutex sync.Mutex
	ch    <-chan interface{}
}

// Chan returns a one-shot loader receiving batches from ch until it is closed.
func Chan(ch <-chan interface{}) Loader {
	return Once(&chanIterator{ch: ch})
}

func (c *chanIterator) Next() (interface{}, error) {
	return c.NextContext(context.Background())
}

func (c *chanIterator) NextContext(ctx context.Context) (interface{}, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	select {
	case batch, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
