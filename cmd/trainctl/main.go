/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// trainctl runs resumable training loops over a synthetic dataset and
// inspects the checkpoints and event logs they leave behind.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hyperledger-labs/trainloop/pkg/config"
	"github.com/hyperledger-labs/trainloop/pkg/events"
)

type command interface {
	execute(output io.Writer) error
}

var (
	allStores = []string{config.StoreNone, config.StoreDisk, config.StoreBadger, config.StoreWAL}

	allEventTypes = func() []string {
		types := make([]string, len(events.Builtins))
		for i, t := range events.Builtins {
			types[i] = string(t)
		}
		return types
	}()
)

func parseArgs(args []string) (command, error) {
	app := kingpin.New("trainctl", "Utility for running and inspecting resumable training loops.")

	runCmd := app.Command("run", "Run a training loop over a synthetic dataset.")
	configFile := runCmd.Flag("config", "YAML run configuration, flags override its values.").ExistingFile()
	maxEpochs := runCmd.Flag("maxEpochs", "Number of epochs to run.").Uint64()
	epochLength := runCmd.Flag("epochLength", "Number of iterations per epoch (defaults to the dataset size).").Uint64()
	datasetSize := runCmd.Flag("datasetSize", "Number of batches in the synthetic dataset.").Int()
	runStore := runCmd.Flag("store", "Kind of checkpoint store.").Enum(allStores...)
	runPath := runCmd.Flag("path", "Directory of the checkpoint store.").String()
	runPrefix := runCmd.Flag("prefix", "Prefix of checkpoint names.").String()
	nSaved := runCmd.Flag("nSaved", "Number of checkpoints to keep, 0 keeps all.").Default("-1").Int()
	checkpointEvent := runCmd.Flag("checkpointEvent", "Event to checkpoint on.").Enum(allEventTypes...)
	trigger := runCmd.Flag("trigger", "Expression filtering the checkpoint event, e.g. 'epoch % 2 == 0'.").String()
	eventLog := runCmd.Flag("eventLog", "File to record the fired events to.").String()
	resume := runCmd.Flag("resume", "Resume from the latest checkpoint.").Bool()
	metricsAddr := runCmd.Flag("metricsAddr", "Address to serve Prometheus metrics on.").String()
	logLevel := runCmd.Flag("logLevel", "Log level.").Enum("debug", "info", "warn", "error")

	inspectCmd := app.Command("inspect", "Print a checkpoint as JSON.")
	inspectFile := inspectCmd.Flag("file", "Checkpoint file to read, instead of a store.").ExistingFile()
	inspectStore := inspectCmd.Flag("store", "Kind of checkpoint store.").Default(config.StoreDisk).Enum(allStores[1:]...)
	inspectPath := inspectCmd.Flag("path", "Directory of the checkpoint store.").String()
	inspectPrefix := inspectCmd.Flag("prefix", "Prefix of the checkpoint to print, the latest one is printed.").Default(config.Default().Checkpoint.Prefix).String()
	inspectName := inspectCmd.Flag("name", "Name of the checkpoint to print.").String()
	list := inspectCmd.Flag("list", "List the names of all checkpoints instead.").Bool()

	eventsCmd := app.Command("events", "Print a recorded event log.")
	input := eventsCmd.Flag("input", "The input file to read (defaults to stdin).").Default(os.Stdin.Name()).File()
	eventTypes := eventsCmd.Flag("eventType", "Which event types to report.").Enums(allEventTypes...)
	notEventTypes := eventsCmd.Flag("notEventType", "Which event types to exclude. (Cannot combine with --eventType)").Enums(allEventTypes...)
	engineName := eventsCmd.Flag("engine", "Report events of this engine only.").String()

	selected, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	switch selected {
	case runCmd.FullCommand():
		c := config.Default()
		if *configFile != "" {
			if c, err = config.Load(*configFile); err != nil {
				return nil, err
			}
		}
		if *maxEpochs != 0 {
			c.MaxEpochs = *maxEpochs
		}
		if *epochLength != 0 {
			c.EpochLength = *epochLength
		}
		if *datasetSize != 0 {
			c.DatasetSize = *datasetSize
		}
		if *runStore != "" {
			c.Checkpoint.Store = *runStore
		}
		if *runPath != "" {
			c.Checkpoint.Path = *runPath
		}
		if *runPrefix != "" {
			c.Checkpoint.Prefix = *runPrefix
		}
		if *nSaved >= 0 {
			c.Checkpoint.NSaved = *nSaved
		}
		if *checkpointEvent != "" {
			c.Checkpoint.Event = *checkpointEvent
		}
		if *trigger != "" {
			c.Checkpoint.Trigger = *trigger
		}
		if *eventLog != "" {
			c.EventLog = *eventLog
		}
		if *metricsAddr != "" {
			c.MetricsAddr = *metricsAddr
		}
		if *logLevel != "" {
			c.Logging = *logLevel
		}
		c.Resume = c.Resume || *resume
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &runArgs{config: c, logOutput: os.Stderr}, nil

	case inspectCmd.FullCommand():
		if *inspectFile == "" && *inspectPath == "" {
			return nil, errors.Errorf("either --file or --path must be set")
		}
		if *inspectFile != "" && *list {
			return nil, errors.Errorf("cannot list the checkpoints of a single file")
		}
		return &inspectArgs{
			file: *inspectFile,
			store: config.Checkpoint{
				Store:  *inspectStore,
				Path:   *inspectPath,
				Prefix: *inspectPrefix,
			},
			name: *inspectName,
			list: *list,
		}, nil

	case eventsCmd.FullCommand():
		if *eventTypes != nil && *notEventTypes != nil {
			return nil, errors.Errorf("cannot set both --eventType and --notEventType")
		}
		return &eventsArgs{
			input:         *input,
			eventTypes:    *eventTypes,
			notEventTypes: *notEventTypes,
			engine:        *engineName,
		}, nil
	}

	return nil, errors.Errorf("unknown command %q", selected)
}

func main() {
	kingpin.Version("0.0.1")
	cmd, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	err = cmd.execute(os.Stdout)
	if err != nil {
		fmt.Println("")
		kingpin.Fatalf("%s", err)
	}
}
