/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package state holds the run state of a training engine and its serializable
// snapshot, the state dict.
//
// A State carries the loop counters (iteration, epoch, epoch length, max epochs),
// transient values of the current step and any number of user attributes.
// A Dict is an insertion-ordered mapping produced by snapshotting a State and
// consumed when restoring one.
package state
