// Package offqueue implements the offline operation queue used by the
// SpeakBetter clients: a durable store of pending create/update/delete
// mutations plus a sync engine that drains the store against a remote
// backend in priority/age order, in bounded batches, with per-operation
// retry and a give-up ceiling.
//
// The package owns no I/O of its own. Durable persistence, network
// delivery and connectivity awareness are injected through the Storage,
// Transport and Connectivity contracts so the engine can run unchanged
// on top of SQLite, an HTTP backend and a real network monitor, or on
// top of in-memory fakes in tests.
// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"encoding/json"
)

// Kind tags which transport verb an operation maps to.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// OpStatus is the lifecycle state of a single queued operation.
type OpStatus string

const (
	OpPending  OpStatus = "pending"
	OpInFlight OpStatus = "in_flight"
	OpDone     OpStatus = "done"
	OpFailed   OpStatus = "failed"
)

// DefaultPriority is assigned when the caller does not supply one.
const DefaultPriority = 1

// Operation is a single queued mutation awaiting delivery to the backend.
//
// Resource and Payload are opaque to the queue; they are passed through to
// the transport untouched. EnqueuedAt is epoch milliseconds, set once at
// enqueue time, and serves as the FIFO tie-breaker within a priority class.
type Operation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
	Priority   int             `json:"priority"`
	Status     OpStatus        `json:"status"`
}

// SyncStatus is the aggregate engine status surfaced to subscribers.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
)
