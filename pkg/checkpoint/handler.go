/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperledger-labs/trainloop/pkg/engine"
	"github.com/hyperledger-labs/trainloop/pkg/events"
	"github.com/hyperledger-labs/trainloop/pkg/logging"
)

// Handler is an engine handler saving the engine's state dict into a Store,
// keeping only the most recent checkpoints it wrote.
type Handler struct {
	store  Store
	prefix string
	nSaved int
	logger logging.Logger

	mutex sync.Mutex
	saved []string
}

type HandlerOption func(*Handler)

// NSavedOpt sets how many checkpoints are kept. Older ones are removed from the store.
// Zero or less keeps all of them. Defaults to 1.
func NSavedOpt(n int) HandlerOption {
	return func(h *Handler) {
		h.nSaved = n
	}
}

// LoggerOpt sets the logger reporting saved and removed checkpoints.
func LoggerOpt(logger logging.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a handler saving checkpoints named "<prefix>_checkpoint_<iteration>" into store.
// Checkpoints with that prefix already in the store count towards the retained ones.
func NewHandler(ctx context.Context, store Store, prefix string, opts ...HandlerOption) (*Handler, error) {
	if err := validName(prefix); err != nil {
		return nil, err
	}
	h := &Handler{
		store:  store,
		prefix: prefix,
		nSaved: 1,
		logger: logging.NilLogger,
	}
	for _, opt := range opts {
		opt(h)
	}

	names, err := store.List(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "could not list existing checkpoints")
	}
	for _, name := range names {
		if strings.HasPrefix(name, h.namePrefix()) {
			h.saved = append(h.saved, name)
		}
	}
	return h, nil
}

func (h *Handler) namePrefix() string {
	return namePrefix(h.prefix)
}

// Name returns the name a checkpoint taken at iteration is saved under.
func (h *Handler) Name(iteration uint64) string {
	return fmt.Sprintf("%s%d", h.namePrefix(), iteration)
}

// Saved returns the names of the retained checkpoints, oldest first.
func (h *Handler) Saved() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	saved := make([]string, len(h.saved))
	copy(saved, h.saved)
	return saved
}

// Attach makes the handler save a checkpoint on every occurrence of ev passing its filter.
func (h *Handler) Attach(e *engine.Engine, ev events.Event) (*engine.RemovableHandle, error) {
	return e.AddEventHandler(ev, h.Save)
}

// Save stores the state dict of e. It has the signature of an engine.Handler.
func (h *Handler) Save(ctx context.Context, e *engine.Engine) error {
	if e.State() == nil {
		return errors.New("cannot checkpoint an engine without state")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	name := h.Name(e.State().Iteration)
	r, err := h.store.Save(ctx, name, e.StateDict())
	if err != nil {
		return errors.WithMessagef(err, "could not save checkpoint %s", name)
	}
	h.logger.Log(logging.LevelInfo, "Saved checkpoint.", "name", name, "id", r.ID)

	for i, saved := range h.saved {
		if saved == name {
			h.saved = append(h.saved[:i], h.saved[i+1:]...)
			break
		}
	}
	h.saved = append(h.saved, name)

	for h.nSaved > 0 && len(h.saved) > h.nSaved {
		oldest := h.saved[0]
		if err := h.store.Remove(ctx, oldest); err != nil && !errors.Is(err, ErrNotFound) {
			return errors.WithMessagef(err, "could not remove checkpoint %s", oldest)
		}
		h.saved = h.saved[1:]
		h.logger.Log(logging.LevelDebug, "Removed checkpoint.", "name", oldest)
	}
	return nil
}
