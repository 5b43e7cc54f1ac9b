/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package state

import (
	"math"
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// ErrNotMapping is returned when a value offered as a state dict is not a mapping.
var ErrNotMapping = errors.New("Argument state_dict should be a dictionary")

// Mapping is the read-only view of a state dict needed to restore a State.
// *Dict implements Mapping.
type Mapping interface {
	Get(key string) (interface{}, bool)
	Keys() []string
}

type goMap map[string]interface{}

func (m goMap) Get(key string) (interface{}, bool) {
	v, ok := m[key]
	return v, ok
}

func (m goMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsMapping converts v into a Mapping. Accepted are Mapping implementations
// and Go maps with string keys. Anything else yields ErrNotMapping.
func AsMapping(v interface{}) (Mapping, error) {
	switch m := v.(type) {
	case nil:
		return nil, errors.WithMessage(ErrNotMapping, "but given nil")
	case *Dict:
		if m == nil {
			return nil, errors.WithMessage(ErrNotMapping, "but given nil *Dict")
		}
		return m, nil
	case Mapping:
		return m, nil
	case map[string]interface{}:
		return goMap(m), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, errors.WithMessagef(ErrNotMapping, "but given %T", v)
	}
	m := make(goMap, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m, nil
}

// ToUint64 converts a counter value read from a state dict into uint64.
// Any Go integer kind is accepted, as is an integral, non-negative float
// (numbers decoded from generic encodings arrive as float64).
func ToUint64(v interface{}) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, errors.Errorf("negative value %d", rv.Int())
		}
		return uint64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
			return 0, errors.Errorf("value %v is not a non-negative integer", f)
		}
		return uint64(f), nil
	default:
		return 0, errors.Errorf("value %v of type %T is not an integer", v, v)
	}
}
