/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config holds the configuration of a training run, read from YAML.
package config

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
)

// Kinds of checkpoint stores.
const (
	StoreNone   = "none"
	StoreDisk   = "disk"
	StoreBadger = "badger"
	StoreWAL    = "wal"
)

type Checkpoint struct {
	Store  string `yaml:"store"`  // one of none, disk, badger, wal
	Path   string `yaml:"path"`   // directory of the store, badger runs in memory if empty
	Prefix string `yaml:"prefix"` // checkpoint names are <prefix>_checkpoint_<iteration>
	NSaved int    `yaml:"nSaved"` // number of retained checkpoints, 0 keeps all

	// Event triggering a checkpoint, filtered by the Trigger expression if set,
	// e.g. "epoch % 2 == 0".
	Event   string `yaml:"event"`
	Trigger string `yaml:"trigger"`
}

type Config struct {
	MaxEpochs   uint64 `yaml:"maxEpochs"`
	EpochLength uint64 `yaml:"epochLength"` // 0 for the length of the dataset
	DatasetSize int    `yaml:"datasetSize"` // number of batches of the synthetic dataset

	Logging  string `yaml:"logging"`  // log level
	EventLog string `yaml:"eventLog"` // path of the event log, none if empty
	Resume   bool   `yaml:"resume"`   // resume from the latest checkpoint

	MetricsAddr string `yaml:"metricsAddr"` // address to serve Prometheus metrics on, none if empty

	Checkpoint Checkpoint `yaml:"checkpoint"`
}

// Default returns the configuration used for the keys missing in a configuration file.
func Default() *Config {
	return &Config{
		MaxEpochs:   1,
		DatasetSize: 100,
		Logging:     logging.LevelInfo.String(),
		Checkpoint: Checkpoint{
			Store:  StoreNone,
			Prefix: "trainloop",
			NSaved: 1,
			Event:  string(events.EpochCompleted),
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read config file %s", path)
	}
	c, err := Parse(bytes.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid config file %s", path)
	}
	return c, nil
}

// Parse reads and validates a YAML configuration. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && err != io.EOF {
		return nil, errors.WithMessage(err, "could not unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.MaxEpochs == 0 {
		return errors.New("maxEpochs should be positive")
	}
	if c.DatasetSize <= 0 {
		return errors.New("datasetSize should be positive")
	}
	if _, err := logging.ParseLevel(c.Logging); err != nil {
		return err
	}

	switch c.Checkpoint.Store {
	case StoreNone:
		if c.Resume {
			return errors.New("resume requires a checkpoint store")
		}
		return nil
	case StoreBadger:
	case StoreDisk, StoreWAL:
		if c.Checkpoint.Path == "" {
			return errors.Errorf("checkpoint store %s requires a path", c.Checkpoint.Store)
		}
	default:
		return errors.Errorf("unknown checkpoint store %q", c.Checkpoint.Store)
	}
	if c.Checkpoint.Prefix == "" {
		return errors.New("checkpoint prefix must not be empty")
	}
	if c.Checkpoint.NSaved < 0 {
		return errors.New("checkpoint nSaved must not be negative")
	}
	_, err := c.CheckpointEvent()
	return err
}

// CheckpointEvent returns the event checkpoints are taken on.
func (c *Config) CheckpointEvent() (events.Event, error) {
	t := events.Type(c.Checkpoint.Event)
	if !t.Builtin() {
		return events.Event{}, errors.Errorf("unknown checkpoint event %q", c.Checkpoint.Event)
	}
	ev := t.Event()
	if c.Checkpoint.Trigger != "" {
		ev = t.When(c.Checkpoint.Trigger)
	}
	return ev, ev.Err()
}

// LogTo writes the configuration to logger at debug level.
func (c *Config) LogTo(logger logging.Logger) {
	logger.Log(logging.LevelDebug, "Run configuration.",
		"max_epochs", c.MaxEpochs,
		"epoch_length", c.EpochLength,
		"dataset_size", c.DatasetSize,
		"event_log", c.EventLog,
		"metrics_addr", c.MetricsAddr,
		"resume", c.Resume)
	logger.Log(logging.LevelDebug, "Checkpoint configuration.",
		"store", c.Checkpoint.Store,
		"path", c.Checkpoint.Path,
		"prefix", c.Checkpoint.Prefix,
		"n_saved", c.Checkpoint.NSaved,
		"event", c.Checkpoint.Event,
		"trigger", c.Checkpoint.Trigger)
}
