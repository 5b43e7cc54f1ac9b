/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/checkpoint"
	"github.com/hyperledger-labs/trainloop/pkg/config"
	"github.com/hyperledger-labs/trainloop/pkg/data"
	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/eventlog"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
	"github.com/hyperledger-labs/trainloop/pkg/metrics"
)

// Name of the synthetic loss in the state and its checkpoints.
const lossKey = "loss"

type runArgs struct {
	config    *config.Config
	logOutput io.Writer
}

// trainStep lowers the loss a little for every batch, the way a converging
// model would. The loss lives in the state, so it survives checkpoints.
func trainStep(e *engine.Engine, batch interface{}) (interface{}, error) {
	loss := 1.0
	if v, ok := e.State().Get(lossKey); ok && v != nil {
		f, isFloat := v.(float64)
		if !isFloat {
			return nil, errors.Errorf("state attribute %s is a %T, not a float", lossKey, v)
		}
		loss = f
	}

	target := 1.0 / float64(batch.(int)+2)
	loss = 0.9*loss + 0.1*target
	e.State().Set(lossKey, loss)
	e.State().Metrics[lossKey] = loss
	return loss, nil
}

func (r *runArgs) execute(output io.Writer) (err error) {
	c := r.config
	level, err := logging.ParseLevel(c.Logging)
	if err != nil {
		return err
	}
	logger := logging.Synchronize(logging.NewZerolog(r.logOutput, level))
	c.LogTo(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []engine.Option{engine.WithName("trainctl"), engine.WithLogger(logger)}
	if c.EventLog != "" {
		f, createErr := os.Create(c.EventLog)
		if createErr != nil {
			return errors.WithMessage(createErr, "could not create event log")
		}
		defer f.Close()

		recorder := eventlog.NewRecorder(f)
		defer func() {
			if stopErr := recorder.Stop(); stopErr != nil && err == nil {
				err = errors.WithMessage(stopErr, "could not write event log")
			}
		}()
		opts = append(opts, engine.WithInterceptor(recorder))
	}

	eng := engine.New(trainStep, opts...)
	eng.AddStateDictUserKeys(lossKey)
	err = eng.On(events.EpochCompleted.Event(), func(_ context.Context, e *engine.Engine) error {
		loss, _ := e.State().Get(lossKey)
		e.Logger().Log(logging.LevelInfo, "Epoch completed.",
			"epoch", e.State().Epoch, "iteration", e.State().Iteration, lossKey, loss)
		return nil
	})
	if err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		m := metrics.New()
		if err := m.Attach(eng); err != nil {
			return err
		}
		exporter := metrics.NewExporter(m, c.MetricsAddr, logger)
		exporter.Start()
		defer exporter.Stop()
		logger.Log(logging.LevelInfo, "Serving metrics.", "addr", c.MetricsAddr)
	}

	store, err := openStore(c.Checkpoint)
	if err != nil {
		return errors.WithMessage(err, "could not open checkpoint store")
	}
	if store != nil {
		defer store.Close()
		if err := r.attachCheckpoints(ctx, eng, store, logger); err != nil {
			return err
		}
	}

	runOpts := []engine.RunOption{engine.WithMaxEpochs(c.MaxEpochs)}
	if c.EpochLength != 0 {
		runOpts = append(runOpts, engine.WithEpochLength(c.EpochLength))
	}
	s, err := eng.Run(ctx, data.Range(c.DatasetSize), runOpts...)
	if err != nil {
		return errors.WithMessage(err, "run failed")
	}

	encoded, err := json.Marshal(eng.StateDict())
	if err != nil {
		return errors.WithMessage(err, "could not encode final state")
	}
	fmt.Fprintf(output, "%s\n", encoded)
	logger.Log(logging.LevelInfo, "Done.", "iteration", s.Iteration, "epoch", s.Epoch, "time", s.Times[string(events.Completed)])
	return nil
}

// attachCheckpoints makes eng checkpoint into store and, if configured,
// restores eng from the latest checkpoint.
func (r *runArgs) attachCheckpoints(ctx context.Context, eng *engine.Engine, store checkpoint.Store, logger logging.Logger) error {
	c := r.config.Checkpoint
	handler, err := checkpoint.NewHandler(ctx, store, c.Prefix,
		checkpoint.NSavedOpt(c.NSaved),
		checkpoint.LoggerOpt(logger),
	)
	if err != nil {
		return err
	}
	ev, err := r.config.CheckpointEvent()
	if err != nil {
		return err
	}
	if _, err := handler.Attach(eng, ev); err != nil {
		return err
	}

	if !r.config.Resume {
		return nil
	}
	record, err := checkpoint.Resume(ctx, store, c.Prefix, eng)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		logger.Log(logging.LevelWarn, "No checkpoint to resume from, starting over.", "prefix", c.Prefix)
		return nil
	case err != nil:
		return err
	}
	logger.Log(logging.LevelInfo, "Restored checkpoint.",
		"name", record.Name, "id", record.ID, "created_at", record.CreatedAt,
		"iteration", eng.State().Iteration)
	return nil
}
