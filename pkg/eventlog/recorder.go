/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package eventlog records the events fired by an engine into a compressed
// stream, and reads such streams back.
package eventlog

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/state"
)

// Entry is a recorded event.
type Entry struct {
	Engine    string
	Time      int64
	Event     events.Type
	Iteration uint64
	Epoch     uint64
}

func (e *Entry) String() string {
	return fmt.Sprintf("%d %s %s iteration=%d epoch=%d", e.Time, e.Engine, e.Event, e.Iteration, e.Epoch)
}

type RecorderOpt interface{}

type timeSourceOpt func() int64

// TimeSourceOpt can be used to override the default time source
// for a recorder. This can be useful for changing the granularity
// of the timestamps, or for deterministic output in tests.
// The default time source will timestamp with the time, in
// milliseconds since the recorder was created.
func TimeSourceOpt(source func() int64) RecorderOpt {
	return timeSourceOpt(source)
}

type compressionLevelOpt int

// DefaultCompressionLevel is used for event capture when not overridden.
const DefaultCompressionLevel = gzip.DefaultCompression

// CompressionLevelOpt takes any of the compression levels supported
// by the golang standard gzip package.
func CompressionLevelOpt(level int) RecorderOpt {
	return compressionLevelOpt(level)
}

// DefaultBufferSize is the number of unwritten events which
// may be held in queue before blocking.
const DefaultBufferSize = 5000

type bufferSizeOpt int

// BufferSizeOpt overrides the default buffer size of the
// recorder buffer. Once the buffer overflows, the engine
// is blocked from firing new events until the buffer has room.
func BufferSizeOpt(size int) RecorderOpt {
	return bufferSizeOpt(size)
}

// Recorder implements the engine.Interceptor interface. It receives events,
// serializes them, compresses them, and writes them to a stream.
type Recorder struct {
	timeSource       func() int64
	compressionLevel int
	entryC           chan *Entry
	doneC            chan struct{}
	exitC            chan struct{}

	exitErr      error
	exitErrMutex sync.Mutex
	stopOnce     sync.Once
}

func NewRecorder(dest io.Writer, opts ...RecorderOpt) *Recorder {
	startTime := time.Now()

	r := &Recorder{
		timeSource: func() int64 {
			return time.Since(startTime).Milliseconds()
		},
		compressionLevel: DefaultCompressionLevel,
		entryC:           make(chan *Entry, DefaultBufferSize),
		doneC:            make(chan struct{}),
		exitC:            make(chan struct{}),
	}

	for _, opt := range opts {
		switch v := opt.(type) {
		case timeSourceOpt:
			r.timeSource = v
		case compressionLevelOpt:
			r.compressionLevel = int(v)
		case bufferSizeOpt:
			r.entryC = make(chan *Entry, v)
		}
	}

	go r.run(dest)

	return r
}

// Intercept enqueues the event into the buffer.
// If there is no room in the buffer, it blocks. If draining the buffer
// to the output stream has completed (successfully or otherwise), Intercept
// returns an error.
func (r *Recorder) Intercept(engine string, t events.Type, s *state.State) error {
	entry := &Entry{
		Engine: engine,
		Time:   r.timeSource(),
		Event:  t,
	}
	if s != nil {
		entry.Iteration = s.Iteration
		entry.Epoch = s.Epoch
	}

	select {
	case <-r.exitC:
		return r.err()
	case <-r.doneC:
		return errStopped
	default:
	}

	select {
	case r.entryC <- entry:
		return nil
	case <-r.exitC:
		return r.err()
	}
}

func (r *Recorder) err() error {
	r.exitErrMutex.Lock()
	defer r.exitErrMutex.Unlock()
	return r.exitErr
}

// Stop must be invoked to flush the recorded events and release the resources
// associated with this Recorder. It should only be invoked once the engine
// has stopped running. Further calls return the same result.
func (r *Recorder) Stop() error {
	r.stopOnce.Do(func() {
		close(r.doneC)
	})
	<-r.exitC
	if err := r.err(); err != errStopped {
		return err
	}
	return nil
}

var errStopped = errors.New("recorder stopped at caller request")

func (r *Recorder) run(dest io.Writer) (exitErr error) {
	defer func() {
		r.exitErrMutex.Lock()
		r.exitErr = exitErr
		r.exitErrMutex.Unlock()
		close(r.exitC)
	}()

	gzWriter, err := gzip.NewWriterLevel(dest, r.compressionLevel)
	if err != nil {
		return errors.WithMessage(err, "could not create gzip writer")
	}
	defer func() {
		if err := gzWriter.Close(); err != nil && (exitErr == nil || exitErr == errStopped) {
			exitErr = errors.WithMessage(err, "could not flush compressed stream")
		}
	}()

	for {
		select {
		case <-r.doneC:
			for {
				select {
				case entry := <-r.entryC:
					if err := WriteEntry(gzWriter, entry); err != nil {
						return errors.WithMessage(err, "error serializing to stream")
					}
				default:
					return errStopped
				}
			}
		case entry := <-r.entryC:
			if err := WriteEntry(gzWriter, entry); err != nil {
				return errors.WithMessage(err, "error serializing to stream")
			}
		}
	}
}

// WriteEntry writes entry to writer as a size prefixed protobuf message.
func WriteEntry(writer io.Writer, entry *Entry) error {
	msg, err := structpb.NewStruct(map[string]interface{}{
		"engine":    entry.Engine,
		"time":      float64(entry.Time),
		"event":     string(entry.Event),
		"iteration": float64(entry.Iteration),
		"epoch":     float64(entry.Epoch),
	})
	if err != nil {
		return errors.WithMessage(err, "could not build message")
	}
	return writeSizePrefixedProto(writer, msg)
}

func writeSizePrefixedProto(dest io.Writer, msg proto.Message) error {
	msgBytes, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithMessage(err, "could not marshal")
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(lenBuf, int64(len(msgBytes)))
	if _, err = dest.Write(lenBuf[:n]); err != nil {
		return errors.WithMessage(err, "could not write length prefix")
	}

	if _, err = dest.Write(msgBytes); err != nil {
		return errors.WithMessage(err, "could not write message")
	}

	return nil
}
