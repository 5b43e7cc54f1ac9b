/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/eventlog"
)

type eventsArgs struct {
	input         io.ReadCloser
	eventTypes    []string
	notEventTypes []string
	engine        string
}

// excludeByType is used for --eventType/--notEventType. The assumption
// is that at least one of include or exclude is nil.
func excludeByType(value string, include []string, exclude []string) bool {
	if include != nil {
		for _, includeName := range include {
			if includeName == value {
				return false
			}
		}

		return true
	}

	for _, excludeName := range exclude {
		if excludeName == value {
			return true
		}
	}

	return false
}

func (a *eventsArgs) shouldPrint(entry *eventlog.Entry) bool {
	if a.engine != "" && entry.Engine != a.engine {
		return false
	}
	return !excludeByType(string(entry.Event), a.eventTypes, a.notEventTypes)
}

func (a *eventsArgs) execute(output io.Writer) error {
	defer a.input.Close()

	reader, err := eventlog.NewReader(a.input)
	if err != nil {
		return errors.WithMessage(err, "bad input file")
	}

	// The log itself does not explicitly keep track of indices,
	// so we need to keep track of them here.
	index := uint64(0)

	for entry, err := reader.ReadEvent(); err != io.EOF; entry, err = reader.ReadEvent() {
		if err != nil {
			return errors.WithMessage(err, "failed reading input")
		}

		index++
		if a.shouldPrint(entry) {
			fmt.Fprintf(output, "% 6d %s\n", index, entry)
		}
	}

	return nil
}
