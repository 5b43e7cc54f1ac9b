/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// SaveFile writes d to path. The file is replaced atomically.
func SaveFile(path string, d *state.Dict) error {
	_, err := saveRecordFile(path, NewRecord(filepath.Base(path), d))
	return err
}

// LoadFile reads a state dict written by SaveFile.
func LoadFile(path string) (*state.Dict, error) {
	r, err := LoadRecordFile(path)
	if err != nil {
		return nil, err
	}
	return r.Dict, nil
}

// LoadRecordFile reads the record stored in path.
func LoadRecordFile(path string) (Record, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.WithMessagef(ErrNotFound, "no checkpoint at %s", path)
		}
		return Record{}, errors.WithMessagef(err, "could not read checkpoint %s", path)
	}
	r, err := Unmarshal(data)
	if err != nil {
		return Record{}, errors.WithMessagef(err, "could not decode checkpoint %s", path)
	}
	return r, nil
}

func saveRecordFile(path string, r Record) (Record, error) {
	data, err := Marshal(r)
	if err != nil {
		return Record{}, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return Record{}, errors.WithMessagef(err, "could not write checkpoint %s", path)
	}
	return r, nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
