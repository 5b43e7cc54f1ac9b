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
	"time"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/checkpoint"
	"github.com/hyperledger-labs/trainloop/pkg/config"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

type inspectArgs struct {
	file  string
	store config.Checkpoint
	name  string
	list  bool
}

type recordJSON struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"created_at"`
	StateDict *state.Dict `json:"state_dict"`
}

func (a *inspectArgs) execute(output io.Writer) error {
	record, err := a.load(output)
	if err != nil || a.list {
		return err
	}

	encoded, err := json.MarshalIndent(&recordJSON{
		ID:        record.ID.String(),
		Name:      record.Name,
		CreatedAt: record.CreatedAt,
		StateDict: record.Dict,
	}, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "could not encode checkpoint")
	}
	fmt.Fprintf(output, "%s\n", encoded)
	return nil
}

// load reads the requested record. In list mode, it prints the names of all records instead.
func (a *inspectArgs) load(output io.Writer) (checkpoint.Record, error) {
	if a.file != "" {
		return checkpoint.LoadRecordFile(a.file)
	}

	ctx := context.Background()
	store, err := openStore(a.store)
	if err != nil {
		return checkpoint.Record{}, errors.WithMessage(err, "could not open checkpoint store")
	}
	defer store.Close()

	switch {
	case a.list:
		names, err := store.List(ctx)
		if err != nil {
			return checkpoint.Record{}, err
		}
		for _, name := range names {
			fmt.Fprintln(output, name)
		}
		return checkpoint.Record{}, nil
	case a.name != "":
		return store.Load(ctx, a.name)
	default:
		return checkpoint.Latest(ctx, store, a.store.Prefix)
	}
}
