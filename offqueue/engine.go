// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds tuning knobs for the sync engine. The defaults mirror the
// values the mobile clients shipped with; none of them is an invariant.
type Config struct {
	BatchSize   int           // operations attempted per drain cycle
	MaxAttempts int           // delivery attempts before an operation is set aside as failed
	RetryDelay  time.Duration // fixed delay before the follow-up drain while work remains
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   10,
		MaxAttempts: 5,
		RetryDelay:  1 * time.Second,
	}
}

// Engine drains the operation store against the backend. At most one drain
// cycle runs at a time process-wide; concurrent Sync calls are guarded out
// and return false without touching the batch logic.
type Engine struct {
	store     *Store
	transport Transport
	conn      Connectivity
	config    *Config
	logger    *slog.Logger
	scheduler Scheduler
	listeners *statusListeners

	syncing int32

	mu        sync.Mutex
	runCtx    context.Context
	unsubConn func()
}

// NewEngine creates a sync engine. A nil config or logger falls back to
// DefaultConfig and slog.Default; a nil scheduler uses real timers.
func NewEngine(store *Store, transport Transport, conn Connectivity, config *Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 || config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("batch size and max attempts must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		transport: transport,
		conn:      conn,
		config:    config,
		logger:    logger,
		scheduler: TimerScheduler{},
		listeners: newStatusListeners(logger),
		runCtx:    context.Background(),
	}, nil
}

// SetScheduler replaces the follow-up drain driver; tests use it to advance
// virtual time deterministically. The engine reads the driver under the same
// mutex, so replacing it mid-flight affects the next cycle, not the current
// one.
func (e *Engine) SetScheduler(s Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

func (e *Engine) schedulerDriver() Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler
}

// Start registers the connectivity trigger so that regaining the network
// opportunistically kicks off a drain. The given context bounds all
// background drains until Stop is called or the context is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubConn != nil {
		return fmt.Errorf("engine already started")
	}
	e.runCtx = ctx
	e.unsubConn = e.conn.OnChange(func(online bool) {
		if online {
			go e.Sync(ctx)
		}
	})
	return nil
}

// Stop removes the connectivity trigger. A drain already in flight runs to
// completion; only future triggers are suppressed.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubConn != nil {
		e.unsubConn()
		e.unsubConn = nil
	}
}

// Enqueue persists a new operation and, when currently online, triggers a
// drain without blocking the caller. A persistence failure propagates and
// the operation is not queued.
func (e *Engine) Enqueue(ctx context.Context, kind Kind, resource string, payload json.RawMessage, priority int) (string, error) {
	id, err := e.store.Enqueue(ctx, kind, resource, payload, priority)
	if err != nil {
		return "", err
	}
	if e.conn.IsOnline() {
		go e.Sync(e.backgroundContext())
	}
	return id, nil
}

// Sync runs one drain cycle. It returns false without re-entering the batch
// logic when the device is offline, the run context is done, or another
// cycle is already in flight.
func (e *Engine) Sync(ctx context.Context) (ran bool) {
	if ctx.Err() != nil {
		return false
	}
	if !e.conn.IsOnline() {
		return false
	}
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		return false
	}
	ran = true

	var final SyncStatus
	var reschedule bool

	// The guard must be released no matter how the cycle ends. A panic out
	// of the caller-supplied transport is converted into a Failed transition
	// like any other cycle-level fault, never a wedged engine.
	defer func() {
		atomic.StoreInt32(&e.syncing, 0)
		if r := recover(); r != nil {
			e.logger.Error("Drain cycle panicked", "panic", r)
			e.listeners.broadcast(StatusFailed)
			return
		}
		e.listeners.broadcast(final)
		if reschedule && e.conn.IsOnline() {
			e.schedulerDriver().Schedule(e.config.RetryDelay, func() { e.Sync(ctx) })
		}
	}()

	e.listeners.broadcast(StatusSyncing)
	final, reschedule = e.drain(ctx)
	return true
}

// ForceSync runs one drain cycle on explicit user request (a "retry now"
// action). Identical to Sync, including the guards.
func (e *Engine) ForceSync(ctx context.Context) bool {
	return e.Sync(ctx)
}

// drain executes one bounded batch against the transport and commits the
// surviving operations in a single Replace. It never throws per-operation
// errors; only store-level failures abort the cycle.
func (e *Engine) drain(ctx context.Context) (final SyncStatus, reschedule bool) {
	ops, err := e.store.List(ctx)
	if err != nil {
		e.logger.Error("Drain aborted: failed to load pending operations", "error", err)
		return StatusFailed, false
	}
	if len(ops) == 0 {
		return StatusCompleted, false
	}

	// Failed operations are retained for inspection but never re-attempted
	// automatically.
	eligible := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Status == OpPending {
			eligible = append(eligible, op)
		}
	}
	if len(eligible) == 0 {
		return e.statusFor(ops), false
	}

	// Higher priority wins; within a priority class, oldest first. The sort
	// is stable so equal (priority, enqueued_at) pairs keep insertion order.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].EnqueuedAt < eligible[j].EnqueuedAt
	})

	batchSize := e.config.BatchSize
	if batchSize > len(eligible) {
		batchSize = len(eligible)
	}
	batch := eligible[:batchSize]

	// Sequential on purpose: bounds backend load and keeps the order the
	// backend observes aligned with the priority/age sort.
	delivered := make([]string, 0, len(batch))
	updated := make([]Operation, 0, len(batch))
	for i := range batch {
		op := batch[i]
		op.Status = OpInFlight
		err := e.transport.Send(ctx, op)
		if err == nil {
			e.logger.Debug("Delivered operation", "id", op.ID, "kind", op.Kind, "resource", op.Resource)
			delivered = append(delivered, op.ID)
			continue
		}
		op.Attempt++
		if op.Attempt >= e.config.MaxAttempts {
			op.Status = OpFailed
			e.logger.Error("Operation exceeded retry ceiling, giving up",
				"id", op.ID, "resource", op.Resource, "attempts", op.Attempt, "error", err)
		} else {
			op.Status = OpPending
			e.logger.Debug("Delivery failed, will retry",
				"id", op.ID, "resource", op.Resource, "attempt", op.Attempt, "error", err)
		}
		updated = append(updated, op)
	}

	// The single reconciling persist at the end is what makes the cycle
	// atomic relative to the in-memory batch outcome: delivered operations
	// are dropped, retried and failed ones are written back together, and
	// anything enqueued while the batch was in flight survives because the
	// commit merges against the live collection, not this cycle's snapshot.
	remaining, err := e.store.Reconcile(ctx, delivered, updated)
	if err != nil {
		e.logger.Error("Drain aborted: failed to commit drain outcome", "error", err)
		return StatusFailed, false
	}
	if err := e.store.MarkSynced(ctx, time.Now()); err != nil {
		e.logger.Warn("Failed to record last sync time", "error", err)
	}

	final = e.statusFor(remaining)
	return final, final == StatusPending
}

// statusFor derives the aggregate status of a persisted collection.
func (e *Engine) statusFor(ops []Operation) SyncStatus {
	failed := false
	for _, op := range ops {
		switch op.Status {
		case OpPending:
			return StatusPending
		case OpFailed:
			failed = true
		}
	}
	if failed {
		return StatusFailed
	}
	return StatusCompleted
}

// Status reports the current aggregate engine status: Syncing while a drain
// cycle is in flight, otherwise derived from the persisted collection.
func (e *Engine) Status(ctx context.Context) SyncStatus {
	if atomic.LoadInt32(&e.syncing) == 1 {
		return StatusSyncing
	}
	ops, err := e.store.List(ctx)
	if err != nil {
		return StatusFailed
	}
	return e.statusFor(ops)
}

// Subscribe registers a listener invoked with the engine status on every
// transition. The returned function removes the listener.
func (e *Engine) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	return e.listeners.add(fn)
}

func (e *Engine) backgroundContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}
