/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package eventlog

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperledger-labs/trainloop/pkg/events"
)

// MaxEntrySize bounds the size prefix accepted when reading an event log.
const MaxEntrySize = 1 << 20

type Reader struct {
	buffer   *bytes.Buffer
	gzReader *gzip.Reader
	source   *bufio.Reader
}

func NewReader(source io.Reader) (*Reader, error) {
	gzReader, err := gzip.NewReader(source)
	if err != nil {
		return nil, errors.WithMessage(err, "could not read source as a gzip stream")
	}

	return &Reader{
		buffer:   &bytes.Buffer{},
		gzReader: gzReader,
		source:   bufio.NewReader(gzReader),
	}, nil
}

// ReadEvent returns the next entry, or io.EOF once the stream is exhausted.
func (r *Reader) ReadEvent() (*Entry, error) {
	msg := &structpb.Struct{}
	err := readSizePrefixedProto(r.source, msg, r.buffer)
	if err == io.EOF {
		r.gzReader.Close()
		return nil, err
	}
	if err != nil {
		return nil, errors.WithMessage(err, "error reading event")
	}
	r.buffer.Reset()

	fields := msg.GetFields()
	return &Entry{
		Engine:    fields["engine"].GetStringValue(),
		Time:      int64(fields["time"].GetNumberValue()),
		Event:     events.Type(fields["event"].GetStringValue()),
		Iteration: uint64(fields["iteration"].GetNumberValue()),
		Epoch:     uint64(fields["epoch"].GetNumberValue()),
	}, nil
}

func readSizePrefixedProto(reader *bufio.Reader, msg proto.Message, buffer *bytes.Buffer) error {
	l, err := binary.ReadVarint(reader)
	if err != nil {
		if err == io.EOF {
			return err
		}
		return errors.WithMessage(err, "could not read size prefix")
	}

	if l < 0 || l > MaxEntrySize {
		return errors.Errorf("invalid size prefix %d", l)
	}

	buffer.Reset()
	buffer.Grow(int(l))

	if _, err := io.CopyN(buffer, reader, l); err != nil {
		return errors.WithMessage(err, "could not read message")
	}

	if err := proto.Unmarshal(buffer.Bytes(), msg); err != nil {
		return errors.WithMessage(err, "could not unmarshal message")
	}

	return nil
}
