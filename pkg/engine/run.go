/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package engine

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/data"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Run processes loader until the state is done or the engine is terminated, and returns the state.
//
// If the engine has no state or its state is done, a new state is created with
// max epochs from WithMaxEpochs (default 1) and epoch length from WithEpochLength
// (default: the length of loader). Otherwise the run resumes from the current state,
// e.g. one restored with LoadStateDict. A resumed run accepts a larger number of
// max epochs, but not a different epoch length.
//
// Batches are drawn from a single iterator across epochs. When the iterator is
// exhausted, a new one is obtained from loader; if that one is exhausted too, the
// run is terminated.
func (e *Engine) Run(ctx context.Context, loader data.Loader, opts ...RunOption) (*state.State, error) {
	if loader == nil {
		return e.state, errors.WithMessage(ErrInvalidRunArgument, "data loader must not be nil")
	}
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return e.state, ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&e.running, 0)

	if err := e.setupState(loader, resolveRunOptions(opts)); err != nil {
		return e.state, err
	}

	e.loader = loader
	e.iter = nil
	e.resumeOffset = e.state.EpochIteration()
	e.err = nil
	atomic.StoreInt32(&e.shouldTerminate, 0)
	atomic.StoreInt32(&e.shouldTerminateEpoch, 0)

	if err := e.internalRun(ctx); err != nil {
		return e.state, err
	}
	return e.state, nil
}

func (e *Engine) setupState(loader data.Loader, ro runOptions) error {
	if ro.maxEpochs != nil && *ro.maxEpochs == 0 {
		return errors.WithMessage(ErrInvalidRunArgument, "Argument max_epochs should be positive")
	}
	if ro.epochLength != nil && *ro.epochLength == 0 {
		return errors.WithMessage(ErrInvalidRunArgument, "Argument epoch_length should be positive")
	}

	if e.state == nil || e.state.MaxEpochs == 0 || e.state.Done() {
		maxEpochs := uint64(1)
		if ro.maxEpochs != nil {
			maxEpochs = *ro.maxEpochs
		}
		epochLength, err := epochLengthOf(loader, ro.epochLength)
		if err != nil {
			return err
		}

		e.state = state.New(state.WithMaxEpochs(maxEpochs), state.WithEpochLength(epochLength))
		e.logger.Log(logging.LevelDebug, "Created new state.", "max_epochs", maxEpochs, "epoch_length", epochLength)
		return nil
	}

	// Keep the current state, overriding it with the arguments once they are
	// all known to be valid.
	maxEpochs := e.state.MaxEpochs
	if ro.maxEpochs != nil {
		if *ro.maxEpochs <= e.state.Epoch {
			return errors.WithMessagef(ErrInvalidRunArgument,
				"Argument max_epochs should be larger than the start epoch defined in the state: %d vs %d",
				*ro.maxEpochs, e.state.Epoch)
		}
		maxEpochs = *ro.maxEpochs
	}
	epochLength := e.state.EpochLength
	if epochLength == 0 {
		var err error
		if epochLength, err = epochLengthOf(loader, ro.epochLength); err != nil {
			return err
		}
	} else if ro.epochLength != nil && *ro.epochLength != epochLength {
		return errors.WithMessagef(ErrInvalidRunArgument,
			"Argument epoch_length should be same as in the state, given %d vs %d",
			*ro.epochLength, epochLength)
	}
	if _, overflow := multiply(maxEpochs, epochLength); overflow {
		return errors.WithMessagef(ErrInvalidRunArgument,
			"max_epochs %d times epoch_length %d overflows the iteration counter", maxEpochs, epochLength)
	}
	iteration := e.state.Iteration
	if iteration == 0 {
		var overflow bool
		if iteration, overflow = multiply(e.state.Epoch, epochLength); overflow {
			return errors.WithMessagef(ErrInvalidRunArgument,
				"epoch %d times epoch_length %d overflows the iteration counter", e.state.Epoch, epochLength)
		}
	}
	e.state.MaxEpochs = maxEpochs
	e.state.EpochLength = epochLength
	e.state.Iteration = iteration

	// The epoch counter counts started epochs, derive it from the iterations
	// so that an interrupted epoch is run again from where it stopped.
	e.state.Epoch = e.state.Iteration / e.state.EpochLength

	e.logger.Log(logging.LevelInfo, "Resuming run.",
		"iteration", e.state.Iteration, "epoch", e.state.Epoch, "max_epochs", e.state.MaxEpochs)
	return nil
}

func epochLengthOf(loader data.Loader, given *uint64) (uint64, error) {
	if given != nil {
		return *given, nil
	}
	n, ok := data.Len(loader)
	if !ok {
		return 0, errors.WithMessage(ErrInvalidRunArgument, "Argument epoch_length should be defined if data has no length")
	}
	if n <= 0 {
		return 0, errors.WithMessagef(ErrInvalidRunArgument, "data must not be empty, got length %d", n)
	}
	return uint64(n), nil
}

func (e *Engine) internalRun(ctx context.Context) error {
	err := e.runLoop(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		e.err = err
		e.logger.Log(logging.LevelWarn, "Run interrupted.", "iteration", e.state.Iteration, "error", err)
		return err
	}

	e.err = err
	e.logger.Log(logging.LevelError, "Run failed.", "iteration", e.state.Iteration, "epoch", e.state.Epoch, "error", err)
	if !e.HasEventHandler(events.ExceptionRaised) {
		return err
	}
	return e.fire(ctx, events.ExceptionRaised)
}

func (e *Engine) runLoop(ctx context.Context) error {
	start := time.Now()
	e.logger.Log(logging.LevelInfo, "Run started.",
		"max_epochs", e.state.MaxEpochs, "epoch_length", e.state.EpochLength, "iteration", e.state.Iteration)

	if err := e.fire(ctx, events.Started); err != nil {
		return err
	}

	for !e.state.Done() && !e.terminating() {
		if err := ctx.Err(); err != nil {
			return errors.WithMessage(err, "run interrupted")
		}

		e.state.Epoch++
		epochStart := time.Now()
		if err := e.fire(ctx, events.EpochStarted); err != nil {
			return err
		}

		if err := e.runEpoch(ctx); err != nil {
			return err
		}

		if e.terminating() {
			break
		}

		elapsed := time.Since(epochStart)
		e.state.Times[string(events.EpochCompleted)] = elapsed
		if err := e.fire(ctx, events.EpochCompleted); err != nil {
			return err
		}
		e.logger.Log(logging.LevelDebug, "Epoch completed.", "epoch", e.state.Epoch, "time", elapsed)
	}

	if e.terminating() {
		e.logger.Log(logging.LevelInfo, "Terminating run.", "iteration", e.state.Iteration, "epoch", e.state.Epoch)
		if err := e.fire(ctx, events.Terminate); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	e.state.Times[string(events.Completed)] = elapsed
	if err := e.fire(ctx, events.Completed); err != nil {
		return err
	}
	e.logger.Log(logging.LevelInfo, "Run completed.", "iteration", e.state.Iteration, "epoch", e.state.Epoch, "time", elapsed)
	return nil
}

func (e *Engine) runEpoch(ctx context.Context) error {
	done := e.resumeOffset
	e.resumeOffset = 0
	for ; done < e.state.EpochLength; done++ {
		if err := ctx.Err(); err != nil {
			return errors.WithMessage(err, "run interrupted")
		}

		if err := e.fire(ctx, events.GetBatchStarted); err != nil {
			return err
		}
		batch, ok, err := e.nextBatch(ctx)
		if err != nil {
			return err
		}
		if !ok {
			e.logger.Log(logging.LevelWarn,
				"Data iterator can not provide data anymore but required total number of iterations to run is not reached.",
				"iteration", e.state.Iteration, "max_iterations", e.state.MaxIterations())
			e.Terminate()
			return nil
		}
		e.state.Batch = batch
		if err := e.fire(ctx, events.GetBatchCompleted); err != nil {
			return err
		}

		e.state.Iteration++
		if err := e.fire(ctx, events.IterationStarted); err != nil {
			return err
		}
		output, err := e.process(e, batch)
		if err != nil {
			return errors.WithMessagef(err, "processing batch of iteration %d failed", e.state.Iteration)
		}
		e.state.Output = output
		if err := e.fire(ctx, events.IterationCompleted); err != nil {
			return err
		}

		if e.terminating() {
			return nil
		}
		if atomic.CompareAndSwapInt32(&e.shouldTerminateEpoch, 1, 0) {
			return e.fire(ctx, events.TerminateSingleEpoch)
		}
	}
	return nil
}

// nextBatch returns the next batch and true, or false if the data is exhausted for good.
func (e *Engine) nextBatch(ctx context.Context) (interface{}, bool, error) {
	if e.iter == nil {
		if err := e.newIterator(); err != nil {
			return nil, false, err
		}
	}

	batch, err := e.fetch(ctx)
	if err == nil {
		return batch, true, nil
	}
	if err != io.EOF {
		return nil, false, err
	}

	if err := e.fire(ctx, events.DataloaderStopIteration); err != nil {
		return nil, false, err
	}
	e.iter = e.loader.Iterator()
	batch, err = e.fetch(ctx)
	switch {
	case err == io.EOF:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	default:
		return batch, true, nil
	}
}

// fetch draws a batch from the current iterator, passing io.EOF through.
func (e *Engine) fetch(ctx context.Context) (interface{}, error) {
	batch, err := data.Next(ctx, e.iter)
	switch {
	case err == nil || err == io.EOF:
		return batch, err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, errors.WithMessage(err, "run interrupted")
	default:
		return nil, errors.WithMessagef(err, "could not fetch batch of iteration %d", e.state.Iteration+1)
	}
}

// newIterator starts iterating the loader. A resumed run over sized data skips
// the batches already consumed, so that batches keep coming in the same order
// as in an uninterrupted run.
func (e *Engine) newIterator() error {
	e.iter = e.loader.Iterator()

	n, ok := data.Len(e.loader)
	if !ok || n <= 0 {
		return nil
	}
	skip := e.state.Iteration % uint64(n)
	for i := uint64(0); i < skip; i++ {
		if _, err := e.iter.Next(); err != nil {
			return errors.WithMessagef(err, "could not skip to batch %d of the data", skip)
		}
	}
	if skip > 0 {
		e.logger.Log(logging.LevelDebug, "Skipped already processed batches.", "count", skip)
	}
	return nil
}
