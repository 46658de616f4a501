// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// statusListeners is the observer registry for engine status transitions.
// Listeners are keyed by a generated subscription id so removal does not
// depend on function identity.
type statusListeners struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	listeners map[string]func(SyncStatus)
}

func newStatusListeners(logger *slog.Logger) *statusListeners {
	return &statusListeners{
		logger:    logger,
		listeners: make(map[string]func(SyncStatus)),
	}
}

func (l *statusListeners) add(fn func(SyncStatus)) (unsubscribe func()) {
	id := uuid.New().String()
	l.mu.Lock()
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// broadcast invokes every listener with the given status. A misbehaving
// listener must not break delivery to the others, so each call is isolated.
func (l *statusListeners) broadcast(status SyncStatus) {
	l.mu.RLock()
	fns := make([]func(SyncStatus), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		l.notify(fn, status)
	}
}

func (l *statusListeners) notify(fn func(SyncStatus), status SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Status listener panicked", "status", status, "panic", r)
		}
	}()
	fn(status)
}
