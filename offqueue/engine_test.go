// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn is a scriptable Connectivity source.
type stubConn struct {
	mu        sync.Mutex
	online    bool
	listeners []func(bool)
}

func (c *stubConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *stubConn) OnChange(fn func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	idx := len(c.listeners) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners[idx] = nil
	}
}

func (c *stubConn) setOnline(v bool) {
	c.mu.Lock()
	changed := c.online != v
	c.online = v
	fns := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range fns {
		if fn != nil {
			fn(v)
		}
	}
}

// manualScheduler captures scheduled follow-up drains so tests can fire them
// deterministically instead of sleeping.
type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
}

// runNext fires the oldest scheduled callback, reporting whether one existed.
func (s *manualScheduler) runNext() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	fn()
	return true
}

// recordingTransport records delivered operations and fails on demand.
type recordingTransport struct {
	mu    sync.Mutex
	sent  []Operation
	calls int
	err   error
}

func (r *recordingTransport) Send(_ context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, op)
	return nil
}

func (r *recordingTransport) sentResources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, op := range r.sent {
		out[i] = op.Resource
	}
	return out
}

func (r *recordingTransport) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestEngine(t *testing.T, transport Transport) (*Engine, *Store, *stubConn, *manualScheduler) {
	t.Helper()
	store := NewStore(NewMemStorage(), discardLogger())
	conn := &stubConn{online: true}
	sched := &manualScheduler{}
	engine, err := NewEngine(store, transport, conn, DefaultConfig(), discardLogger())
	require.NoError(t, err)
	engine.SetScheduler(sched)
	return engine, store, conn, sched
}

// enqueueAt queues an operation with a fixed enqueue timestamp.
func enqueueAt(t *testing.T, store *Store, resource string, priority int, at int64) string {
	t.Helper()
	prev := store.now
	store.now = func() time.Time { return time.UnixMilli(at) }
	defer func() { store.now = prev }()
	id, err := store.Enqueue(context.Background(), KindCreate, resource, nil, priority)
	require.NoError(t, err)
	return id
}

func TestSyncDeliversByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, _ := newTestEngine(t, transport)

	enqueueAt(t, store, "a", 1, 100)
	enqueueAt(t, store, "b", 5, 200)
	enqueueAt(t, store, "c", 1, 50)

	require.True(t, engine.Sync(ctx))

	assert.Equal(t, []string{"b", "c", "a"}, transport.sentResources())

	ops, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, StatusCompleted, engine.Status(ctx))
}

func TestSyncFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, _ := newTestEngine(t, transport)

	enqueueAt(t, store, "later", 3, 2000)
	enqueueAt(t, store, "earlier", 3, 1000)

	require.True(t, engine.Sync(ctx))
	assert.Equal(t, []string{"earlier", "later"}, transport.sentResources())
}

func TestSyncGuardsConcurrentDrains(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	transport := TransportFunc(func(context.Context, Operation) error {
		close(entered)
		<-release
		return nil
	})
	engine, store, _, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	first := make(chan bool, 1)
	go func() { first <- engine.Sync(ctx) }()
	<-entered

	assert.False(t, engine.Sync(ctx))
	assert.Equal(t, StatusSyncing, engine.Status(ctx))

	close(release)
	assert.True(t, <-first)
}

func TestSyncOfflineGuard(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, conn, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	conn.setOnline(false)
	assert.False(t, engine.Sync(ctx))
	assert.Equal(t, 0, transport.callCount())
}

func TestSyncRetryCeiling(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{err: errors.New("backend down")}
	engine, store, _, _ := newTestEngine(t, transport)

	id := enqueueAt(t, store, "a", 1, 100)

	for i := 1; i <= 5; i++ {
		require.True(t, engine.Sync(ctx))

		ops, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, id, ops[0].ID)
		assert.Equal(t, i, ops[0].Attempt)
		if i < 5 {
			assert.Equal(t, OpPending, ops[0].Status)
		} else {
			assert.Equal(t, OpFailed, ops[0].Status)
		}
	}

	// A further drain must not touch the failed operation.
	require.True(t, engine.Sync(ctx))
	ops, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 5, ops[0].Attempt)
	assert.Equal(t, OpFailed, ops[0].Status)
	assert.Equal(t, 5, transport.callCount())

	assert.Equal(t, StatusFailed, engine.Status(ctx))
}

func TestSyncBatchBoundWithFollowUp(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, sched := newTestEngine(t, transport)

	for i := 0; i < 15; i++ {
		enqueueAt(t, store, "op", 1, int64(100+i))
	}

	require.True(t, engine.Sync(ctx))
	assert.Equal(t, 10, transport.callCount())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, StatusPending, engine.Status(ctx))

	// A follow-up drain was scheduled with the fixed retry delay.
	require.True(t, sched.runNext())
	assert.Equal(t, time.Second, sched.delays[0])

	assert.Equal(t, 15, transport.callCount())
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusCompleted, engine.Status(ctx))
	assert.False(t, sched.runNext())
}

func TestSyncNoFollowUpWhenOffline(t *testing.T) {
	ctx := context.Background()

	conn := &stubConn{online: true}
	store := NewStore(NewMemStorage(), discardLogger())
	// Drop connectivity mid-cycle: the follow-up drain must not be scheduled.
	transport := TransportFunc(func(context.Context, Operation) error {
		conn.setOnline(false)
		return nil
	})
	engine, err := NewEngine(store, transport, conn, DefaultConfig(), discardLogger())
	require.NoError(t, err)
	sched := &manualScheduler{}
	engine.SetScheduler(sched)

	for i := 0; i < 12; i++ {
		enqueueAt(t, store, "op", 1, int64(100+i))
	}

	require.True(t, engine.Sync(ctx))
	assert.False(t, sched.runNext())
}

func TestEnqueueDuringDrainSurvivesCommit(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	transport := TransportFunc(func(context.Context, Operation) error {
		close(entered)
		<-release
		return nil
	})
	engine, store, conn, _ := newTestEngine(t, transport)
	firstID := enqueueAt(t, store, "first", 1, 100)

	done := make(chan bool, 1)
	go func() { done <- engine.Sync(ctx) }()
	<-entered

	// Enqueued while the drain holds its snapshot; the commit must not
	// clobber it. Going offline first keeps the enqueue from spawning its
	// own drain, so the surviving operation is observable afterwards.
	conn.setOnline(false)
	midID, err := engine.Enqueue(ctx, KindCreate, "mid-drain", nil, 1)
	require.NoError(t, err)

	close(release)
	require.True(t, <-done)

	ops, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, midID, ops[0].ID)
	assert.Equal(t, OpPending, ops[0].Status)
	assert.NotEqual(t, firstID, ops[0].ID)
	assert.Equal(t, StatusPending, engine.Status(ctx))
}

func TestSyncReleasesGuardAfterTransportPanic(t *testing.T) {
	ctx := context.Background()

	panicking := true
	transport := TransportFunc(func(context.Context, Operation) error {
		if panicking {
			panic("transport bug")
		}
		return nil
	})
	engine, store, _, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	var statuses []SyncStatus
	engine.Subscribe(func(s SyncStatus) { statuses = append(statuses, s) })

	// The panicking cycle still counts as a run, broadcasts Failed, and
	// leaves the store untouched.
	require.True(t, engine.Sync(ctx))
	assert.Equal(t, []SyncStatus{StatusSyncing, StatusFailed}, statuses)

	ops, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempt)

	// The guard was released, so the next cycle drains normally.
	panicking = false
	require.True(t, engine.Sync(ctx))
	assert.Equal(t, StatusCompleted, engine.Status(ctx))
}

func TestSyncStorageWriteFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{MemStorage: NewMemStorage()}
	store := NewStore(storage, discardLogger())
	transport := &recordingTransport{}
	conn := &stubConn{online: true}
	engine, err := NewEngine(store, transport, conn, DefaultConfig(), discardLogger())
	require.NoError(t, err)
	engine.SetScheduler(&manualScheduler{})

	enqueueAt(t, store, "a", 1, 100)

	var statuses []SyncStatus
	engine.Subscribe(func(s SyncStatus) { statuses = append(statuses, s) })

	storage.failSet = true
	require.True(t, engine.Sync(ctx))
	storage.failSet = false

	assert.Equal(t, []SyncStatus{StatusSyncing, StatusFailed}, statuses)

	// The commit never happened, so the previously persisted state survives.
	ops, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempt)

	// The guard was released and a later drain succeeds.
	require.True(t, engine.Sync(ctx))
	assert.Equal(t, StatusCompleted, engine.Status(ctx))
}

func TestSyncEmptyQueueBroadcastsCompleted(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, _, _, _ := newTestEngine(t, transport)

	var statuses []SyncStatus
	engine.Subscribe(func(s SyncStatus) { statuses = append(statuses, s) })

	require.True(t, engine.Sync(ctx))
	assert.Equal(t, []SyncStatus{StatusSyncing, StatusCompleted}, statuses)
	assert.Equal(t, 0, transport.callCount())
}

func TestSubscribeIsolatesPanickingListener(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	engine.Subscribe(func(SyncStatus) { panic("listener bug") })
	var statuses []SyncStatus
	engine.Subscribe(func(s SyncStatus) { statuses = append(statuses, s) })

	require.True(t, engine.Sync(ctx))
	assert.Equal(t, []SyncStatus{StatusSyncing, StatusCompleted}, statuses)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, _, _, _ := newTestEngine(t, transport)

	calls := 0
	unsubscribe := engine.Subscribe(func(SyncStatus) { calls++ })
	unsubscribe()

	require.True(t, engine.Sync(ctx))
	assert.Equal(t, 0, calls)
}

func TestEnqueueTriggersDrainWhileOnline(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, _ := newTestEngine(t, transport)

	_, err := engine.Enqueue(ctx, KindCreate, "sessions", []byte(`{"v":1}`), 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, transport.callCount())
}

func TestEnqueueWhileOfflineDefersDelivery(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, conn, _ := newTestEngine(t, transport)
	conn.setOnline(false)

	_, err := engine.Enqueue(ctx, KindUpdate, "settings", nil, 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, transport.callCount())
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusPending, engine.Status(ctx))
}

func TestConnectivityRegainedTriggersDrain(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, conn, _ := newTestEngine(t, transport)
	conn.setOnline(false)

	_, err := engine.Enqueue(ctx, KindDelete, "sessions/42", nil, 1)
	require.NoError(t, err)

	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	conn.setOnline(true)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, transport.callCount())
}

func TestForceSyncRunsGuardedDrain(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, conn, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	conn.setOnline(false)
	assert.False(t, engine.ForceSync(ctx))

	conn.setOnline(true)
	assert.True(t, engine.ForceSync(ctx))
	assert.Equal(t, 1, transport.callCount())
}

func TestLastSyncRecordedAfterDrain(t *testing.T) {
	ctx := context.Background()
	transport := &recordingTransport{}
	engine, store, _, _ := newTestEngine(t, transport)
	enqueueAt(t, store, "a", 1, 100)

	require.True(t, engine.Sync(ctx))

	_, ok, err := store.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
