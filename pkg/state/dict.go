/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Dict is a mapping from string keys to arbitrary values that remembers
// the order in which keys were first inserted.
// The zero value is an empty Dict ready to use.
type Dict struct {
	keys   []string
	values map[string]interface{}
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{}
}

// Set stores value under key. Overwriting a key keeps its original position.
// Returns the Dict itself, for the convenience of chaining multiple calls to Set.
func (d *Dict) Set(key string, value interface{}) *Dict {
	if d.values == nil {
		d.values = make(map[string]interface{})
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return d
}

// Get returns the value stored under key and whether the key is present.
func (d *Dict) Get(key string) (interface{}, bool) {
	if d == nil || d.values == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Delete removes key, if present.
func (d *Dict) Delete(key string) {
	if !d.Has(key) {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns a copy of the keys in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	return keys
}

// Range calls f for each entry in insertion order until f returns false.
func (d *Dict) Range(f func(key string, value interface{}) bool) {
	if d == nil {
		return
	}
	for _, k := range d.keys {
		if !f(k, d.values[k]) {
			return
		}
	}
}

// Equal reports whether both dicts hold the same keys, in the same order, with deeply equal values.
func (d *Dict) Equal(other *Dict) bool {
	if d.Len() != other.Len() {
		return false
	}
	otherKeys := other.Keys()
	for i, k := range d.Keys() {
		if otherKeys[i] != k {
			return false
		}
		v, _ := d.Get(k)
		ov, _ := other.Get(k)
		if !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the dict as a JSON object keeping the insertion order.
func (d *Dict) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, errors.WithMessagef(err, "could not encode value of %q", k)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Dict) String() string {
	entries := make([]string, 0, d.Len())
	d.Range(func(k string, v interface{}) bool {
		entries = append(entries, fmt.Sprintf("%s:%v", k, v))
		return true
	})
	return "{" + strings.Join(entries, " ") + "}"
}
