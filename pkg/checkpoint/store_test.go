/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/trainloop/pkg/checkpoint"
	"github.com/hyperledger-labs/trainloop/pkg/data"
	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

type storeOpener func(dir string) (checkpoint.Store, error)

func openDisk(dir string) (checkpoint.Store, error) {
	return checkpoint.OpenDisk(filepath.Join(dir, "ckpts"))
}

func openBadger(string) (checkpoint.Store, error) {
	return checkpoint.OpenBadger("")
}

func openJournal(dir string) (checkpoint.Store, error) {
	return checkpoint.OpenJournal(filepath.Join(dir, "journal"))
}

func counters(iteration uint64) *state.Dict {
	return state.NewDict().
		Set("epoch_length", uint64(10)).
		Set("max_epochs", uint64(5)).
		Set("iteration", iteration)
}

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		dir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dir, err = ioutil.TempDir("", "store")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	DescribeTable("saves, lists and removes records",
		func(open storeOpener) {
			store, err := open(dir)
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()

			names, err := store.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())

			for i, name := range []string{"b", "a", "c"} {
				_, err := store.Save(ctx, name, counters(uint64(i)))
				Expect(err).NotTo(HaveOccurred())
			}

			names, err = store.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"b", "a", "c"}))

			r, err := store.Load(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Name).To(Equal("a"))
			Expect(r.Dict.Equal(counters(1))).To(BeTrue())

			saved, err := store.Save(ctx, "b", counters(7))
			Expect(err).NotTo(HaveOccurred())
			r, err = store.Load(ctx, "b")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ID).To(Equal(saved.ID))
			Expect(r.Dict.Equal(counters(7))).To(BeTrue())

			names, err = store.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"a", "c", "b"}))

			Expect(store.Remove(ctx, "a")).To(Succeed())
			_, err = store.Load(ctx, "a")
			Expect(err).To(MatchError(checkpoint.ErrNotFound))
			Expect(store.Remove(ctx, "a")).To(MatchError(checkpoint.ErrNotFound))

			names, err = store.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"c", "b"}))

			_, err = store.Save(ctx, "../escape", counters(0))
			Expect(err).To(MatchError(ContainSubstring("invalid checkpoint name")))
		},
		Entry("on disk", storeOpener(openDisk)),
		Entry("in badger", storeOpener(openBadger)),
		Entry("in a journal", storeOpener(openJournal)),
	)

	DescribeTable("returns the latest record with a prefix",
		func(open storeOpener) {
			store, err := open(dir)
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()

			_, err = checkpoint.Latest(ctx, store, "run")
			Expect(err).To(MatchError(checkpoint.ErrNotFound))

			for _, name := range []string{"run_checkpoint_10", "other_checkpoint_30", "run_checkpoint_20", "runs_checkpoint_40", "run_final"} {
				_, err := store.Save(ctx, name, counters(0))
				Expect(err).NotTo(HaveOccurred())
			}
			r, err := checkpoint.Latest(ctx, store, "run")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Name).To(Equal("run_checkpoint_20"))
		},
		Entry("on disk", storeOpener(openDisk)),
		Entry("in badger", storeOpener(openBadger)),
		Entry("in a journal", storeOpener(openJournal)),
	)

	Describe("DiskStore", func() {
		It("stores one file per record", func() {
			store, err := checkpoint.OpenDisk(dir)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Save(ctx, "x", counters(3))
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Path("x")).To(Equal(filepath.Join(dir, "x"+checkpoint.Extension)))
			d, err := checkpoint.LoadFile(store.Path("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Equal(counters(3))).To(BeTrue())
		})
	})

	Describe("BadgerStore", func() {
		It("persists records in its directory", func() {
			path := filepath.Join(dir, "badger")
			store, err := checkpoint.OpenBadger(path)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Save(ctx, "x", counters(3))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Sync()).To(Succeed())
			Expect(store.Close()).To(Succeed())

			store, err = checkpoint.OpenBadger(path)
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()
			r, err := store.Load(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Dict.Equal(counters(3))).To(BeTrue())
		})
	})

	Describe("Journal", func() {
		var (
			path    string
			journal *checkpoint.Journal
		)

		BeforeEach(func() {
			path = filepath.Join(dir, "journal")
			var err error
			journal, err = checkpoint.OpenJournal(path)
			Expect(err).NotTo(HaveOccurred())

			for i := uint64(1); i <= 3; i++ {
				_, err := journal.Save(ctx, "a", counters(i))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err = journal.Save(ctx, "b", counters(9))
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			journal.Close()
		})

		It("keeps the history of a name", func() {
			history, err := journal.History(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(3))
			for i, r := range history {
				Expect(r.Dict.Equal(counters(uint64(i + 1)))).To(BeTrue())
			}
			Expect(journal.Len()).To(Equal(4))
		})

		It("restores the latest records when reopened", func() {
			Expect(journal.Remove(ctx, "b")).To(Succeed())
			Expect(journal.Len()).To(Equal(5))
			Expect(journal.Sync()).To(Succeed())
			Expect(journal.Close()).To(Succeed())

			var err error
			journal, err = checkpoint.OpenJournal(path)
			Expect(err).NotTo(HaveOccurred())

			names, err := journal.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"a"}))
			r, err := journal.Load(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Dict.Equal(counters(3))).To(BeTrue())
		})

		It("truncates old entries but keeps live records", func() {
			Expect(journal.Truncate(1)).To(Succeed())
			Expect(journal.Len()).To(Equal(2))

			history, err := journal.History(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))

			r, err := journal.Load(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Dict.Equal(counters(3))).To(BeTrue())
			_, err = journal.Load(ctx, "b")
			Expect(err).NotTo(HaveOccurred())

			Expect(journal.Truncate(10)).To(Succeed())
			Expect(journal.Len()).To(Equal(2))
		})
	})
})

var _ = Describe("Handler", func() {
	var (
		ctx   context.Context
		store checkpoint.Store
		eng   *engine.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = checkpoint.OpenBadger("")
		Expect(err).NotTo(HaveOccurred())
		eng = engine.New(func(*engine.Engine, interface{}) (interface{}, error) {
			return nil, nil
		})
	})

	AfterEach(func() {
		store.Close()
	})

	It("keeps the last n checkpoints", func() {
		h, err := checkpoint.NewHandler(ctx, store, "model", checkpoint.NSavedOpt(2))
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Attach(eng, events.EpochCompleted.Event())
		Expect(err).NotTo(HaveOccurred())

		_, err = eng.Run(ctx, data.Range(4), engine.WithMaxEpochs(3))
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Saved()).To(Equal([]string{"model_checkpoint_8", "model_checkpoint_12"}))
		names, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(Equal(h.Saved()))

		r, err := store.Load(ctx, "model_checkpoint_12")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Dict.Keys()).To(Equal([]string{"epoch_length", "max_epochs", "iteration"}))
		Expect(value(r.Dict.Get("iteration"))).To(Equal(uint64(12)))
	})

	It("takes over existing checkpoints with its prefix", func() {
		_, err := store.Save(ctx, "model_checkpoint_1", counters(1))
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Save(ctx, "unrelated", counters(1))
		Expect(err).NotTo(HaveOccurred())

		h, err := checkpoint.NewHandler(ctx, store, "model")
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Saved()).To(Equal([]string{"model_checkpoint_1"}))

		_, err = h.Attach(eng, events.Completed.Event())
		Expect(err).NotTo(HaveOccurred())
		_, err = eng.Run(ctx, data.Range(5))
		Expect(err).NotTo(HaveOccurred())

		names, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(Equal([]string{"unrelated", "model_checkpoint_5"}))
	})

	It("rejects invalid prefixes", func() {
		_, err := checkpoint.NewHandler(ctx, store, "a/b")
		Expect(err).To(HaveOccurred())
	})

	It("resumes an engine from the latest checkpoint", func() {
		h, err := checkpoint.NewHandler(ctx, store, "model")
		Expect(err).NotTo(HaveOccurred())
		eng.AddStateDictUserKeys("alpha")
		Expect(eng.On(events.Started.Event(), func(_ context.Context, e *engine.Engine) error {
			e.State().Set("alpha", 0.1)
			return nil
		})).To(Succeed())
		Expect(eng.On(events.IterationCompleted.Once(7), func(ctx context.Context, e *engine.Engine) error {
			if err := h.Save(ctx, e); err != nil {
				return err
			}
			e.Terminate()
			return nil
		})).To(Succeed())
		_, err = eng.Run(ctx, data.Range(5), engine.WithMaxEpochs(2))
		Expect(err).NotTo(HaveOccurred())

		resumed := engine.New(func(*engine.Engine, interface{}) (interface{}, error) {
			return nil, nil
		})
		resumed.AddStateDictUserKeys("alpha")
		r, err := checkpoint.Resume(ctx, store, "model", resumed)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Name).To(Equal("model_checkpoint_7"))
		Expect(resumed.State().Iteration).To(BeEquivalentTo(7))
		Expect(value(resumed.State().Get("alpha"))).To(Equal(0.1))

		s, err := resumed.Run(ctx, data.Range(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Iteration).To(BeEquivalentTo(10))
	})

	It("fails to resume without checkpoints", func() {
		_, err := checkpoint.Resume(ctx, store, "model", eng)
		Expect(err).To(MatchError(checkpoint.ErrNotFound))
	})
})
