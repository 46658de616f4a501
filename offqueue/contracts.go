// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"time"
)

// Transport delivers one operation to the real backend. Any returned error
// counts as a delivery failure and the operation is retried up to the
// configured ceiling.
type Transport interface {
	Send(ctx context.Context, op Operation) error
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, op Operation) error

func (f TransportFunc) Send(ctx context.Context, op Operation) error { return f(ctx, op) }

// Connectivity is the network status source the engine consults before any
// network work. OnChange must deliver at least the offline-to-online
// transition; the returned function removes the listener.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(online bool)) (unsubscribe func())
}

// Scheduler drives the fixed-delay follow-up drain. Keeping it injectable
// lets tests advance virtual time instead of sleeping.
type Scheduler interface {
	Schedule(d time.Duration, fn func())
}

// TimerScheduler runs callbacks on real timers.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// NopScheduler discards scheduled work. Callers that drive drain cycles
// themselves (the CLI sync loop) use it to suppress background re-drains.
type NopScheduler struct{}

func (NopScheduler) Schedule(time.Duration, func()) {}
