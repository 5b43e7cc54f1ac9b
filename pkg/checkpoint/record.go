/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package checkpoint persists engine state dicts and restores engines from them.
//
// A state dict is wrapped into a Record carrying an ID, a name and a creation time,
// and encoded as a protobuf Struct. Integer values keep their type across the
// encoding. Records live in a Store: a directory of files (DiskStore), a badger
// database (BadgerStore) or an append-only log (Journal).
package checkpoint

import (
	"encoding/base64"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Record is a stored state dict.
type Record struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	Dict      *state.Dict

	// Set on journal entries marking the removal of Name.
	deleted bool
}

// NewRecord wraps d into a record with a fresh ID and the current time.
func NewRecord(name string, d *state.Dict) Record {
	return Record{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Dict:      d,
	}
}

// Kinds of encoded values.
const (
	kindNull   = "null"
	kindBool   = "bool"
	kindString = "string"
	kindInt    = "int"
	kindUint   = "uint"
	kindFloat  = "float"
	kindBytes  = "bytes"
	kindAny    = "any"
)

// Marshal encodes r.
func Marshal(r Record) ([]byte, error) {
	entries := make([]interface{}, 0, r.Dict.Len())
	var encodeErr error
	r.Dict.Range(func(key string, value interface{}) bool {
		kind, encoded, err := encodeValue(value)
		if err != nil {
			encodeErr = errors.WithMessagef(err, "could not encode state attribute %q", key)
			return false
		}
		entries = append(entries, map[string]interface{}{
			"key":   key,
			"kind":  kind,
			"value": encoded,
		})
		return true
	})
	if encodeErr != nil {
		return nil, encodeErr
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		"id":         r.ID.String(),
		"name":       r.Name,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"deleted":    r.deleted,
		"entries":    entries,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not build record")
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.WithMessage(err, "could not marshal")
	}
	return data, nil
}

// Unmarshal decodes a record encoded by Marshal.
func Unmarshal(data []byte) (Record, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return Record{}, errors.WithMessage(err, "error decoding to proto, is the checkpoint corrupt?")
	}
	fields := s.GetFields()

	var r Record
	var err error
	if r.ID, err = uuid.Parse(fields["id"].GetStringValue()); err != nil {
		return Record{}, errors.WithMessage(err, "invalid record id")
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"].GetStringValue()); err != nil {
		return Record{}, errors.WithMessage(err, "invalid record time")
	}
	r.Name = fields["name"].GetStringValue()
	r.deleted = fields["deleted"].GetBoolValue()
	r.Dict = state.NewDict()

	for i, entry := range fields["entries"].GetListValue().GetValues() {
		ef := entry.GetStructValue().GetFields()
		key := ef["key"].GetStringValue()
		value, err := decodeValue(ef["kind"].GetStringValue(), ef["value"])
		if err != nil {
			return Record{}, errors.WithMessagef(err, "could not decode entry %d (%q)", i, key)
		}
		r.Dict.Set(key, value)
	}
	return r, nil
}

func encodeValue(v interface{}) (string, interface{}, error) {
	if v == nil {
		return kindNull, nil, nil
	}
	switch x := v.(type) {
	case []byte:
		return kindBytes, base64.StdEncoding.EncodeToString(x), nil
	case time.Duration:
		return kindInt, strconv.FormatInt(int64(x), 10), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return kindBool, rv.Bool(), nil
	case reflect.String:
		return kindString, rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Integers travel as strings, a protobuf number is a double.
		return kindInt, strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindUint, strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return kindFloat, rv.Float(), nil
	}

	if _, err := structpb.NewValue(v); err != nil {
		return "", nil, errors.WithMessagef(err, "unsupported value of type %T", v)
	}
	return kindAny, v, nil
}

func decodeValue(kind string, v *structpb.Value) (interface{}, error) {
	switch kind {
	case kindNull:
		return nil, nil
	case kindBool:
		return v.GetBoolValue(), nil
	case kindString:
		return v.GetStringValue(), nil
	case kindInt:
		n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case kindUint:
		return strconv.ParseUint(v.GetStringValue(), 10, 64)
	case kindFloat:
		return v.GetNumberValue(), nil
	case kindBytes:
		return base64.StdEncoding.DecodeString(v.GetStringValue())
	case kindAny:
		return v.AsInterface(), nil
	default:
		return nil, errors.Errorf("unknown value kind %q", kind)
	}
}
