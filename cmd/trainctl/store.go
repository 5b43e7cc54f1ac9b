/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/checkpoint"
	"github.com/hyperledger-labs/trainloop/pkg/config"
)

// openStore opens the checkpoint store c describes, nil for config.StoreNone.
func openStore(c config.Checkpoint) (checkpoint.Store, error) {
	switch c.Store {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreDisk:
		return checkpoint.OpenDisk(c.Path)
	case config.StoreBadger:
		return checkpoint.OpenBadger(c.Path)
	case config.StoreWAL:
		return checkpoint.OpenJournal(c.Path)
	default:
		return nil, errors.Errorf("unknown checkpoint store %q", c.Store)
	}
}
