/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/hyperledger-labs/trainloop/pkg/config"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
)

const sample = `
maxEpochs: 5
epochLength: 120
datasetSize: 300
logging: debug
eventLog: /tmp/events.gz
resume: true
metricsAddr: localhost:9100
checkpoint:
  store: wal
  path: /tmp/ckpts
  prefix: resnet
  nSaved: 3
  event: iteration_completed
  trigger: iteration % 50 == 0
`

var _ = Describe("Config", func() {
	It("parses all keys", func() {
		c, err := config.Parse(strings.NewReader(sample))
		Expect(err).NotTo(HaveOccurred())
		Expect(c).To(Equal(&config.Config{
			MaxEpochs:   5,
			EpochLength: 120,
			DatasetSize: 300,
			Logging:     "debug",
			EventLog:    "/tmp/events.gz",
			Resume:      true,
			MetricsAddr: "localhost:9100",
			Checkpoint: config.Checkpoint{
				Store:   config.StoreWAL,
				Path:    "/tmp/ckpts",
				Prefix:  "resnet",
				NSaved:  3,
				Event:   "iteration_completed",
				Trigger: "iteration % 50 == 0",
			},
		}))

		ev, err := c.CheckpointEvent()
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Type).To(Equal(events.IterationCompleted))
		Expect(ev.Allows(events.Counters{Iteration: 100})).To(BeTrue())
		Expect(ev.Allows(events.Counters{Iteration: 101})).To(BeFalse())
	})

	It("falls back to defaults", func() {
		c, err := config.Parse(strings.NewReader("maxEpochs: 3\n"))
		Expect(err).NotTo(HaveOccurred())
		expected := config.Default()
		expected.MaxEpochs = 3
		Expect(c).To(Equal(expected))

		c, err = config.Parse(strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(c).To(Equal(config.Default()))
	})

	It("rejects unknown keys", func() {
		_, err := config.Parse(strings.NewReader("maxEpoch: 3\n"))
		Expect(err).To(MatchError(ContainSubstring("could not unmarshal config")))
	})

	DescribeTable("rejects invalid values",
		func(yaml, message string) {
			_, err := config.Parse(strings.NewReader(yaml))
			Expect(err).To(MatchError(ContainSubstring(message)))
		},
		Entry("zero epochs", "maxEpochs: 0", "maxEpochs should be positive"),
		Entry("empty dataset", "datasetSize: 0", "datasetSize should be positive"),
		Entry("log level", "logging: loud", "unknown log level"),
		Entry("resume without store", "resume: true", "resume requires a checkpoint store"),
		Entry("store kind", "checkpoint: {store: s3}", "unknown checkpoint store"),
		Entry("missing path", "checkpoint: {store: disk}", "requires a path"),
		Entry("empty prefix", "checkpoint: {store: badger, prefix: ''}", "prefix must not be empty"),
		Entry("negative retention", "checkpoint: {store: badger, nSaved: -1}", "nSaved must not be negative"),
		Entry("event", "checkpoint: {store: badger, event: backward}", "unknown checkpoint event"),
		Entry("trigger", "checkpoint: {store: badger, trigger: 'epoch +'}", "could not compile expression"),
	)

	Describe("Load", func() {
		var dir string

		BeforeEach(func() {
			var err error
			dir, err = ioutil.TempDir("", "config")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			os.RemoveAll(dir)
		})

		It("reads files", func() {
			path := filepath.Join(dir, "run.yml")
			Expect(ioutil.WriteFile(path, []byte(sample), 0o644)).To(Succeed())
			c, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Checkpoint.NSaved).To(Equal(3))

			c.LogTo(logging.NilLogger)
		})

		It("reports missing files", func() {
			_, err := config.Load(filepath.Join(dir, "missing.yml"))
			Expect(err).To(MatchError(ContainSubstring("could not read config file")))
		})
	})
})
