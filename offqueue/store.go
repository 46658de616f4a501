// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fixed logical keys in the underlying storage.
const (
	keyPendingOperations = "offsync:pending_operations"
	keyLastSync          = "offsync:last_sync"
)

// Store owns the persisted collection of pending operations. It is the only
// component that writes the collection; the engine mutates operations in
// memory during a drain cycle and commits the result through Reconcile.
// All writers serialize on the store mutex, so an enqueue racing a drain
// commit can never be overwritten by the commit's older snapshot.
type Store struct {
	storage Storage
	logger  *slog.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// NewStore creates a store on top of the given durable storage.
func NewStore(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue constructs a new pending operation, appends it to the persisted
// collection and returns its generated id. A persistence failure propagates
// to the caller and the operation is not considered queued.
func (s *Store) Enqueue(ctx context.Context, kind Kind, resource string, payload json.RawMessage, priority int) (string, error) {
	switch kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return "", fmt.Errorf("invalid operation kind %q", kind)
	}
	if resource == "" {
		return "", fmt.Errorf("resource must not be empty")
	}
	if priority == 0 {
		priority = DefaultPriority
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.List(ctx)
	if err != nil {
		return "", err
	}

	op := Operation{
		ID:         uuid.New().String(),
		Kind:       kind,
		Resource:   resource,
		Payload:    payload,
		EnqueuedAt: s.now().UnixMilli(),
		Attempt:    0,
		Priority:   priority,
		Status:     OpPending,
	}
	ops = append(ops, op)

	if err := s.persist(ctx, ops); err != nil {
		return "", fmt.Errorf("failed to persist enqueued operation: %w", err)
	}
	s.logger.Debug("Enqueued operation", "id", op.ID, "kind", op.Kind, "resource", op.Resource, "priority", op.Priority)
	return op.ID, nil
}

// List reads the persisted collection without taking the writer mutex;
// readers get eventually-consistent snapshots. A missing blob is a normal
// cold-start condition and yields an empty sequence; a corrupt blob is logged and
// discarded rather than surfaced, so it cannot wedge the queue forever.
// Only a failure of the storage backend itself is returned as an error.
func (s *Store) List(ctx context.Context) ([]Operation, error) {
	raw, ok, err := s.storage.Get(ctx, keyPendingOperations)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ops []Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		s.logger.Warn("Discarding corrupt pending operations blob", "error", err)
		return nil, nil
	}
	return ops, nil
}

// Replace overwrites the persisted collection with exactly the given
// sequence. Intended for out-of-band maintenance (clearing failed
// operations); the engine commits drain cycles through Reconcile instead.
func (s *Store) Replace(ctx context.Context, ops []Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(ctx, ops); err != nil {
		return fmt.Errorf("failed to replace pending operations: %w", err)
	}
	return nil
}

// Reconcile commits a drain cycle's outcome against the live collection
// rather than the cycle's snapshot: delivered operations are dropped,
// updated ones replace their stored versions, and everything else —
// including operations enqueued while the cycle was in flight — is kept
// untouched. An updated operation that was removed out-of-band stays
// removed. Returns the collection as persisted, in one write.
func (s *Store) Reconcile(ctx context.Context, delivered []string, updated []Operation) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(delivered))
	for _, id := range delivered {
		done[id] = true
	}
	updates := make(map[string]Operation, len(updated))
	for _, op := range updated {
		updates[op.ID] = op
	}

	out := make([]Operation, 0, len(current))
	for _, op := range current {
		if done[op.ID] {
			continue
		}
		if u, ok := updates[op.ID]; ok {
			op = u
		}
		out = append(out, op)
	}

	if err := s.persist(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to commit drain outcome: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted operations, failed ones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	ops, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// MarkSynced records the completion time of a drain cycle.
func (s *Store) MarkSynced(ctx context.Context, at time.Time) error {
	return s.storage.Set(ctx, keyLastSync, strconv.FormatInt(at.UnixMilli(), 10))
}

// LastSync returns the time of the last recorded drain cycle, ok=false when
// no cycle has completed yet.
func (s *Store) LastSync(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.storage.Get(ctx, keyLastSync)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("Discarding corrupt last sync timestamp", "error", err)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis), true, nil
}

func (s *Store) persist(ctx context.Context, ops []Operation) error {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to serialize operations: %w", err)
	}
	return s.storage.Set(ctx, keyPendingOperations, string(data))
}
