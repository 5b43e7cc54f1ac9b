/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"context"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

var recordKeyPrefix = []byte("ckpt/")

func recordKey(name string) []byte {
	return append(append([]byte{}, recordKeyPrefix...), name...)
}

// BadgerStore keeps records in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the database in dirPath. An empty dirPath opens an in-memory database.
func OpenBadger(dirPath string) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(true).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	return &BadgerStore{
		db: db,
	}, nil
}

func (s *BadgerStore) Save(ctx context.Context, name string, d *state.Dict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validName(name); err != nil {
		return Record{}, err
	}

	r := NewRecord(name, d)
	data, err := Marshal(r)
	if err != nil {
		return Record{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(name), data)
	})
	if err != nil {
		return Record{}, errors.WithMessagef(err, "could not store checkpoint %s", name)
	}
	return r, nil
}

func (s *BadgerStore) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(name))
		if err != nil {
			return err
		}

		valCopy, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return Record{}, errors.WithMessagef(ErrNotFound, "no checkpoint named %s", name)
	}
	if err != nil {
		return Record{}, errors.WithMessagef(err, "could not read checkpoint %s", name)
	}

	return Unmarshal(valCopy)
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recordKeyPrefix); it.ValidForPrefix(recordKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := Unmarshal(data)
			if err != nil {
				return errors.WithMessagef(err, "corrupt entry %s", it.Item().Key())
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not list checkpoints")
	}
	return sortRecords(records), nil
}

func (s *BadgerStore) Remove(ctx context.Context, name string) error {
	if _, err := s.Load(ctx, name); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(name))
	})
}

func (s *BadgerStore) Sync() error {
	return s.db.Sync()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
