/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Journal is an append-only Store. Every save and removal appends an entry to a
// write-ahead log, the latest entry of a name wins. Truncate drops old entries.
type Journal struct {
	mutex sync.Mutex
	log   *wal.Log

	// Index of the last entry of every live name, at the level of the underlying wal.
	latest map[string]uint64
}

// OpenJournal opens the journal in directory path and indexes its entries.
func OpenJournal(path string) (*Journal, error) {
	log, err := wal.Open(path, &wal.Options{
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open WAL")
	}

	j := &Journal{
		log:    log,
		latest: make(map[string]uint64),
	}
	if err := j.index(); err != nil {
		log.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) index() error {
	return j.forEach(func(idx uint64, r Record) {
		if r.deleted {
			delete(j.latest, r.Name)
		} else {
			j.latest[r.Name] = idx
		}
	})
}

// forEach decodes all entries in log order.
func (j *Journal) forEach(f func(idx uint64, r Record)) error {
	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first index")
	}
	if firstIndex == 0 {
		// WAL is empty
		return nil
	}

	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last index")
	}

	for i := firstIndex; i <= lastIndex; i++ {
		r, err := j.read(i)
		if err != nil {
			return err
		}
		f(i, r)
	}
	return nil
}

func (j *Journal) read(idx uint64) (Record, error) {
	data, err := j.log.Read(idx)
	if err != nil {
		return Record{}, errors.WithMessagef(err, "could not read index %d", idx)
	}
	r, err := Unmarshal(data)
	if err != nil {
		return Record{}, errors.WithMessagef(err, "could not decode index %d, is the WAL corrupt?", idx)
	}
	return r, nil
}

// append writes r as the next entry and returns its index. Requires the mutex.
func (j *Journal) append(r Record) (uint64, error) {
	data, err := Marshal(r)
	if err != nil {
		return 0, err
	}
	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return 0, errors.WithMessage(err, "could not read last index")
	}
	// The log implementation indexes starting with 1, LastIndex is 0 on an empty log.
	idx := lastIndex + 1
	if err := j.log.Write(idx, data); err != nil {
		return 0, errors.WithMessagef(err, "could not append entry %d", idx)
	}
	return idx, nil
}

func (j *Journal) Save(ctx context.Context, name string, d *state.Dict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validName(name); err != nil {
		return Record{}, err
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	r := NewRecord(name, d)
	idx, err := j.append(r)
	if err != nil {
		return Record{}, err
	}
	j.latest[name] = idx
	return r, nil
}

func (j *Journal) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	idx, ok := j.latest[name]
	if !ok {
		return Record{}, errors.WithMessagef(ErrNotFound, "no checkpoint named %s", name)
	}
	return j.read(idx)
}

func (j *Journal) List(ctx context.Context) ([]string, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	records := make([]Record, 0, len(j.latest))
	for _, idx := range j.latest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := j.read(idx)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return sortRecords(records), nil
}

func (j *Journal) Remove(ctx context.Context, name string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if _, ok := j.latest[name]; !ok {
		return errors.WithMessagef(ErrNotFound, "no checkpoint named %s", name)
	}
	tombstone := NewRecord(name, nil)
	tombstone.deleted = true
	if _, err := j.append(tombstone); err != nil {
		return err
	}
	delete(j.latest, name)
	return nil
}

// History returns every saved record of name still in the journal, oldest first.
func (j *Journal) History(ctx context.Context, name string) ([]Record, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	var history []Record
	err := j.forEach(func(_ uint64, r Record) {
		if r.Name == name && !r.deleted {
			history = append(history, r)
		}
	})
	return history, err
}

// Len returns the number of entries in the journal, including superseded ones and removals.
func (j *Journal) Len() (int, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.len()
}

func (j *Journal) len() (int, error) {
	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return 0, errors.WithMessage(err, "could not read first index")
	}
	if firstIndex == 0 {
		return 0, nil
	}
	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return 0, errors.WithMessage(err, "could not read last index")
	}
	return int(lastIndex - firstIndex + 1), nil
}

// Truncate drops the oldest entries, keeping the last keep ones.
// The latest entry of every live name is always kept.
func (j *Journal) Truncate(keep int) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	n, err := j.len()
	if err != nil || n <= keep || n == 0 {
		return err
	}
	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first index")
	}

	newFirst := firstIndex + uint64(n-keep)
	for _, idx := range j.latest {
		if idx < newFirst {
			newFirst = idx
		}
	}
	if newFirst <= firstIndex {
		return nil
	}
	if err := j.log.TruncateFront(newFirst); err != nil {
		return errors.WithMessagef(err, "could not truncate WAL before %d", newFirst)
	}
	return nil
}

func (j *Journal) Sync() error {
	return j.log.Sync()
}

func (j *Journal) Close() error {
	return j.log.Close()
}
