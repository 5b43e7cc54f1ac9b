/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package engine_test

import (
	"context"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/data"
	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// eventRecorder is an engine.Interceptor remembering the types of fired events.
type eventRecorder struct {
	fired []events.Type
}

func (r *eventRecorder) Intercept(_ string, t events.Type, _ *state.State) error {
	r.fired = append(r.fired, t)
	return nil
}

func (r *eventRecorder) count(t events.Type) int {
	n := 0
	for _, f := range r.fired {
		if f == t {
			n++
		}
	}
	return n
}

var _ = Describe("Run", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("epoch length", func() {
		const numIters = 21

		var items []interface{}

		BeforeEach(func() {
			rnd := rand.New(rand.NewSource(12))
			items = make([]interface{}, numIters)
			for i := range items {
				items[i] = rnd.Intn(1000)
			}
		})

		run := func(loader data.Loader, maxEpochs uint64, epochLength uint64) *state.State {
			checker := &batchChecker{data: items}
			eng := engine.New(func(_ *engine.Engine, batch interface{}) (interface{}, error) {
				return nil, checker.check(batch)
			})

			opts := []engine.RunOption{engine.WithMaxEpochs(maxEpochs)}
			if epochLength > 0 {
				opts = append(opts, engine.WithEpochLength(epochLength))
			}
			s, err := eng.Run(ctx, loader, opts...)
			Expect(err).NotTo(HaveOccurred())
			return s
		}

		DescribeTable("consumes sized data cyclically",
			func(epochLength uint64) {
				s := run(data.Slice(items...), 10, epochLength)
				if epochLength == 0 {
					epochLength = numIters
				}
				Expect(s.Iteration).To(Equal(epochLength * 10))
				Expect(s.Epoch).To(BeEquivalentTo(10))
			},
			Entry("defaulting to the data length", uint64(0)),
			Entry("equal to the data length", uint64(numIters)),
			Entry("shorter than the data", uint64(numIters/2)),
			Entry("longer than the data", uint64(numIters*2)),
		)

		DescribeTable("continues a one-shot iterator across epochs",
			func(maxEpochs, epochLength uint64) {
				s := run(data.Once(data.Slice(items...).Iterator()), maxEpochs, epochLength)
				Expect(s.Iteration).To(Equal(epochLength * maxEpochs))
				Expect(s.Epoch).To(Equal(maxEpochs))
			},
			Entry("single epoch", uint64(1), uint64(numIters)),
			Entry("two short epochs", uint64(2), uint64(numIters/2)),
		)

		It("requires an epoch length for data without length", func() {
			eng := engine.New(constant)
			_, err := eng.Run(ctx, data.Once(data.Range(3).Iterator()))
			Expect(err).To(MatchError(engine.ErrInvalidRunArgument))
			Expect(err).To(MatchError(ContainSubstring("epoch_length should be defined if data has no length")))
		})

		It("terminates when a one-shot iterator runs dry", func() {
			rec := &eventRecorder{}
			eng := engine.New(constant, engine.WithInterceptor(rec))
			s, err := eng.Run(ctx, data.Once(data.Range(5).Iterator()), engine.WithMaxEpochs(3), engine.WithEpochLength(3))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Iteration).To(BeEquivalentTo(5))
			Expect(rec.count(events.DataloaderStopIteration)).To(Equal(1))
			Expect(rec.count(events.Terminate)).To(Equal(1))
			Expect(rec.count(events.Completed)).To(Equal(1))
		})
	})

	It("runs a single epoch over the data by default", func() {
		eng := engine.New(func(_ *engine.Engine, batch interface{}) (interface{}, error) {
			return batch.(int) * 2, nil
		})
		s, err := eng.Run(ctx, data.Range(7))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.MaxEpochs).To(BeEquivalentTo(1))
		Expect(s.Iteration).To(BeEquivalentTo(7))
		Expect(s.Batch).To(Equal(6))
		Expect(s.Output).To(Equal(12))
		Expect(s.Times).To(HaveKey(string(events.EpochCompleted)))
		Expect(s.Times).To(HaveKey(string(events.Completed)))
	})

	It("starts over once the state is done", func() {
		eng := engine.New(constant)
		_, err := eng.Run(ctx, data.Range(4), engine.WithMaxEpochs(2))
		Expect(err).NotTo(HaveOccurred())
		s, err := eng.Run(ctx, data.Range(3), engine.WithMaxEpochs(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Iteration).To(BeEquivalentTo(6))
		Expect(s.EpochLength).To(BeEquivalentTo(3))
	})

	It("rejects zero arguments and missing data", func() {
		eng := engine.New(constant)
		_, err := eng.Run(ctx, data.Range(3), engine.WithMaxEpochs(0))
		Expect(err).To(MatchError(engine.ErrInvalidRunArgument))
		_, err = eng.Run(ctx, data.Range(3), engine.WithEpochLength(0))
		Expect(err).To(MatchError(engine.ErrInvalidRunArgument))
		_, err = eng.Run(ctx, nil)
		Expect(err).To(MatchError(engine.ErrInvalidRunArgument))
		_, err = eng.Run(ctx, data.Range(0))
		Expect(err).To(MatchError(ContainSubstring("data must not be empty")))
		_, err = eng.Run(ctx, data.Range(-1))
		Expect(err).To(MatchError(engine.ErrInvalidRunArgument))
		Expect(err).To(MatchError(ContainSubstring("data must not be empty, got length -1")))
		Expect(eng.State()).To(BeNil())
	})

	It("fires events in order", func() {
		rec := &eventRecorder{}
		eng := engine.New(constant, engine.WithInterceptor(rec))
		_, err := eng.Run(ctx, data.Range(2), engine.WithMaxEpochs(2))
		Expect(err).NotTo(HaveOccurred())

		iteration := []events.Type{events.GetBatchStarted, events.GetBatchCompleted, events.IterationStarted, events.IterationCompleted}
		var expected []events.Type
		expected = append(expected, events.Started, events.EpochStarted)
		expected = append(expected, iteration...)
		expected = append(expected, iteration...)
		expected = append(expected, events.EpochCompleted, events.EpochStarted)
		expected = append(expected, events.GetBatchStarted, events.DataloaderStopIteration)
		expected = append(expected, iteration[1:]...)
		expected = append(expected, iteration...)
		expected = append(expected, events.EpochCompleted, events.Completed)
		Expect(rec.fired).To(Equal(expected))
	})

	Describe("handlers", func() {
		var (
			eng   *engine.Engine
			calls []uint64
		)

		record := func(_ context.Context, e *engine.Engine) error {
			calls = append(calls, e.State().Iteration)
			return nil
		}

		BeforeEach(func() {
			eng = engine.New(constant)
			calls = nil
		})

		It("apply event filters", func() {
			Expect(eng.On(events.IterationCompleted.Every(3), record)).To(Succeed())
			Expect(eng.On(events.EpochCompleted.Once(2), record)).To(Succeed())
			Expect(eng.On(events.IterationStarted.When("epoch == 3 && iteration % 5 == 1"), record)).To(Succeed())

			_, err := eng.Run(ctx, data.Range(5), engine.WithMaxEpochs(3))
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal([]uint64{3, 6, 9, 10, 11, 12, 15}))
		})

		It("reject invalid filters and unknown events", func() {
			_, err := eng.AddEventHandler(events.IterationCompleted.Every(0), record)
			Expect(err).To(MatchError(ContainSubstring("positive integer")))
			_, err = eng.AddEventHandler(events.Type("unknown").Event(), record)
			Expect(err).To(MatchError(engine.ErrUnknownEvent))
			_, err = eng.AddEventHandler(events.Started.Event(), nil)
			Expect(err).To(HaveOccurred())
		})

		It("can be removed", func() {
			handle, err := eng.AddEventHandler(events.IterationCompleted.Event(), record)
			Expect(err).NotTo(HaveOccurred())
			Expect(eng.HasEventHandler(events.IterationCompleted)).To(BeTrue())
			Expect(handle.Remove()).To(BeTrue())
			Expect(handle.Remove()).To(BeFalse())
			Expect(eng.HasEventHandler(events.IterationCompleted)).To(BeFalse())

			_, err = eng.Run(ctx, data.Range(3))
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(BeEmpty())
		})

		It("handle custom events", func() {
			const backward = events.Type("backward_completed")
			Expect(eng.Fire(ctx, backward)).To(MatchError(engine.ErrUnknownEvent))

			Expect(eng.RegisterEvents(backward)).To(Succeed())
			Expect(eng.On(backward.Every(2), record)).To(Succeed())
			Expect(eng.On(events.IterationCompleted.Event(), func(ctx context.Context, e *engine.Engine) error {
				return e.Fire(ctx, backward)
			})).To(Succeed())

			_, err := eng.Run(ctx, data.Range(5))
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal([]uint64{2, 4}))
		})

		It("abort the run on error", func() {
			boom := errors.New("boom")
			Expect(eng.On(events.IterationCompleted.Once(2), func(context.Context, *engine.Engine) error {
				return boom
			})).To(Succeed())

			s, err := eng.Run(ctx, data.Range(5))
			Expect(err).To(MatchError(boom))
			Expect(err).To(MatchError(ContainSubstring("handler of iteration_completed(once=2) failed")))
			Expect(s.Iteration).To(BeEquivalentTo(2))
			Expect(eng.Err()).To(MatchError(boom))
		})

		It("must not run the engine again", func() {
			Expect(eng.On(events.Started.Event(), func(ctx context.Context, e *engine.Engine) error {
				_, err := e.Run(ctx, data.Range(1))
				return err
			})).To(Succeed())
			_, err := eng.Run(ctx, data.Range(1))
			Expect(err).To(MatchError(engine.ErrAlreadyRunning))
			Expect(eng.Running()).To(BeFalse())
		})
	})

	Describe("errors", func() {
		var (
			boom error
			eng  *engine.Engine
		)

		BeforeEach(func() {
			boom = errors.New("boom")
			eng = engine.New(func(e *engine.Engine, _ interface{}) (interface{}, error) {
				if e.State().Iteration == 3 {
					return nil, boom
				}
				return nil, nil
			})
		})

		It("are returned without error handlers", func() {
			_, err := eng.Run(ctx, data.Range(5))
			Expect(err).To(MatchError(boom))
			Expect(err).To(MatchError(ContainSubstring("processing batch of iteration 3 failed")))
		})

		It("are passed to error handlers", func() {
			var handled error
			_, err := eng.AddErrorHandler(func(_ context.Context, e *engine.Engine, err error) error {
				handled = err
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			s, err := eng.Run(ctx, data.Range(5))
			Expect(err).NotTo(HaveOccurred())
			Expect(handled).To(MatchError(boom))
			Expect(eng.Err()).To(MatchError(boom))
			Expect(s.Iteration).To(BeEquivalentTo(3))
		})

		It("are replaced by errors of error handlers", func() {
			other := errors.New("handled badly")
			_, err := eng.AddErrorHandler(func(context.Context, *engine.Engine, error) error {
				return other
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.Run(ctx, data.Range(5))
			Expect(err).To(MatchError(other))
		})
	})

	Describe("termination", func() {
		It("stops the run after the current iteration and resumes later", func() {
			items := []interface{}{"a", "b", "c", "d"}
			checker := &batchChecker{data: items}
			rec := &eventRecorder{}
			eng := engine.New(func(_ *engine.Engine, batch interface{}) (interface{}, error) {
				return nil, checker.check(batch)
			}, engine.WithInterceptor(rec))
			Expect(eng.On(events.IterationCompleted.Once(6), func(_ context.Context, e *engine.Engine) error {
				e.Terminate()
				return nil
			})).To(Succeed())

			s, err := eng.Run(ctx, data.Slice(items...), engine.WithMaxEpochs(3))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Iteration).To(BeEquivalentTo(6))
			Expect(rec.count(events.EpochCompleted)).To(Equal(1))
			Expect(rec.count(events.Terminate)).To(Equal(1))
			Expect(rec.count(events.Completed)).To(Equal(1))

			s, err = eng.Run(ctx, data.Slice(items...))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Iteration).To(BeEquivalentTo(12))
			Expect(s.Epoch).To(BeEquivalentTo(3))
			Expect(rec.count(events.EpochCompleted)).To(Equal(3))
		})

		It("ends the current epoch only", func() {
			rec := &eventRecorder{}
			eng := engine.New(constant, engine.WithInterceptor(rec))
			Expect(eng.On(events.IterationCompleted.Once(3), func(_ context.Context, e *engine.Engine) error {
				e.TerminateEpoch()
				return nil
			})).To(Succeed())

			s, err := eng.Run(ctx, data.Range(10), engine.WithMaxEpochs(2))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Iteration).To(BeEquivalentTo(13))
			Expect(s.Epoch).To(BeEquivalentTo(2))
			Expect(rec.count(events.TerminateSingleEpoch)).To(Equal(1))
			Expect(rec.count(events.EpochCompleted)).To(Equal(2))
		})

		It("stops when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			eng := engine.New(constant)
			Expect(eng.On(events.IterationCompleted.Once(4), func(context.Context, *engine.Engine) error {
				cancel()
				return nil
			})).To(Succeed())

			s, err := eng.Run(cctx, data.Range(10))
			Expect(err).To(MatchError(context.Canceled))
			Expect(s.Iteration).To(BeEquivalentTo(4))
		})

		It("stops waiting for data when the context is done", func() {
			tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			eng := engine.New(constant)

			errC := make(chan error, 1)
			go func() {
				_, err := eng.Run(tctx, data.Chan(make(chan interface{})), engine.WithEpochLength(5))
				errC <- err
			}()

			var err error
			Eventually(errC, 2*time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(err).To(MatchError(ContainSubstring("run interrupted")))
			Expect(eng.State().Iteration).To(BeZero())
		})
	})
})
