/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// ErrNotFound is returned when no checkpoint exists under a name.
var ErrNotFound = errors.New("checkpoint not found")

// Store keeps named state dicts. Saving under an existing name replaces the record.
type Store interface {
	Save(ctx context.Context, name string, d *state.Dict) (Record, error)
	Load(ctx context.Context, name string) (Record, error)

	// List returns the names of all records, oldest first.
	List(ctx context.Context) ([]string, error)

	Remove(ctx context.Context, name string) error
	Close() error
}

// Latest returns the newest record saved by a Handler with prefix, that is
// the newest record named "<prefix>_checkpoint_<iteration>".
func Latest(ctx context.Context, store Store, prefix string) (Record, error) {
	names, err := store.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		if strings.HasPrefix(names[i], namePrefix(prefix)) {
			return store.Load(ctx, names[i])
		}
	}
	return Record{}, errors.WithMessagef(ErrNotFound, "no checkpoint with prefix %q", prefix)
}

// Resume loads the newest record saved by a Handler with prefix into e.
func Resume(ctx context.Context, store Store, prefix string, e *engine.Engine) (Record, error) {
	r, err := Latest(ctx, store, prefix)
	if err != nil {
		return Record{}, err
	}
	if err := e.LoadStateDict(r.Dict); err != nil {
		return Record{}, errors.WithMessagef(err, "could not restore engine from checkpoint %s", r.Name)
	}
	return r, nil
}

func namePrefix(prefix string) string {
	return prefix + "_checkpoint_"
}

// sortRecords orders records oldest first, by name for equal times.
func sortRecords(records []Record) []string {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Name < records[j].Name
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	return names
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}
