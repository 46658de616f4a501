// Package offnet provides the network status source consumed by the sync
// engine: an online/offline flag driven by a periodic reachability probe,
// with transition notifications and a manual override for callers that get
// platform connectivity events of their own.
// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offnet

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/speakbetter/go-offsync/offqueue"
)

// ProbeFunc reports whether the backend is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// HTTPProbe builds a probe that issues a HEAD request against url and treats
// any response below 500 as reachable. A nil client uses a short-timeout
// default so a dead network fails fast.
func HTTPProbe(url string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}

// Monitor is a polling connectivity monitor implementing
// offqueue.Connectivity. It starts offline until the first probe or
// SetOnline call says otherwise.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	online int32

	mu        sync.Mutex
	listeners map[string]func(bool)
}

var _ offqueue.Connectivity = (*Monitor)(nil)

// NewMonitor creates a monitor polling the given probe at the given
// interval. A nil probe leaves the monitor fully manual (SetOnline only).
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		logger:    logger,
		listeners: make(map[string]func(bool)),
	}
}

// Start launches the polling loop. It returns immediately; the loop stops
// when ctx is done. With a nil probe Start is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	go func() {
		m.SetOnline(m.probe(ctx))
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetOnline(m.probe(ctx))
			}
		}
	}()
}

// IsOnline reports the current status.
func (m *Monitor) IsOnline() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// OnChange registers a transition listener and returns its removal function.
// Listeners fire only on actual transitions, not on every probe.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	id := uuid.New().String()
	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline overrides the current status, notifying listeners when it
// actually changes. Probe results funnel through here as well.
func (m *Monitor) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&m.online, next)
	if prev == next {
		return
	}
	m.logger.Info("Connectivity changed", "online", online)

	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}
