/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Extension of checkpoint files in a DiskStore.
const Extension = ".ckpt"

// DiskStore keeps every record in its own file of a directory.
type DiskStore struct {
	dir string
}

// OpenDisk returns a store in dir, creating the directory if needed.
func OpenDisk(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "could not create checkpoint directory %s", dir)
	}
	return &DiskStore{dir: dir}, nil
}

// Path returns the file a record named name is stored in.
func (s *DiskStore) Path(name string) string {
	return filepath.Join(s.dir, name+Extension)
}

func (s *DiskStore) Save(ctx context.Context, name string, d *state.Dict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validName(name); err != nil {
		return Record{}, err
	}
	return saveRecordFile(s.Path(name), NewRecord(name, d))
}

func (s *DiskStore) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validName(name); err != nil {
		return Record{}, err
	}
	return LoadRecordFile(s.Path(name))
}

func (s *DiskStore) List(ctx context.Context) ([]string, error) {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not list checkpoint directory %s", s.dir)
	}

	var records []Record
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		r, err := LoadRecordFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		r.Name = strings.TrimSuffix(entry.Name(), Extension)
		records = append(records, r)
	}
	return sortRecords(records), nil
}

func (s *DiskStore) Remove(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name)); err != nil {
		if os.IsNotExist(err) {
			return errors.WithMessagef(ErrNotFound, "no checkpoint named %s", name)
		}
		return errors.WithMessagef(err, "could not remove checkpoint %s", name)
	}
	return nil
}

func (s *DiskStore) Close() error {
	return nil
}
