package guard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T, id Identity) (*Guard, *FileStore) {
	t.Helper()
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "heartbeat.json"), filepath.Join(dir, "meta", "instance_lock.json"))
	g := New(store, Config{Mode: "live", HeartbeatMaxAge: 5 * time.Minute, LockMaxAge: 10 * time.Minute}, id, nil, zerolog.Nop())
	g.now = func() time.Time { return t0 }
	g.alive = func(pid int) bool { return pid == 4242 }
	return g, store
}

func local(pid int) Identity { return Identity{Host: "vm-1", MachineID: "m-1", PID: pid} }

func TestAcquireWithNoRecords(t *testing.T) {
	g, store := newTestGuard(t, local(100))
	ctx := context.Background()

	d, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome)

	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 100, lock.OwnerPID)
	assert.Equal(t, "vm-1", lock.OwnerHost)
	assert.Equal(t, "live", lock.Mode)
}

func TestFreshHeartbeatBlocks(t *testing.T) {
	g, store := newTestGuard(t, local(100))
	ctx := context.Background()
	require.NoError(t, store.WriteHeartbeat(ctx, Heartbeat{
		LastHeartbeat: t0.Add(-2 * time.Minute), Mode: "live", Status: StatusRunning, LoopCount: 17, PID: 99, Host: "vm-2",
	}))

	d, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, d.Outcome)
	assert.Contains(t, d.Reason, "active heartbeat")
	assert.Contains(t, d.Reason, "loop_count=17")

	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock, "a blocked process writes nothing")
}

func TestHeartbeatStaleness(t *testing.T) {
	cases := []struct {
		name   string
		hb     Heartbeat
		expect Outcome
	}{
		{"stale", Heartbeat{LastHeartbeat: t0.Add(-6 * time.Minute), Status: StatusRunning}, OutcomeAcquired},
		{"stopped", Heartbeat{LastHeartbeat: t0.Add(-time.Minute), Status: StatusStopped}, OutcomeAcquired},
		{"at threshold", Heartbeat{LastHeartbeat: t0.Add(-5 * time.Minute), Status: StatusRunning}, OutcomeBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store := newTestGuard(t, local(100))
			require.NoError(t, store.WriteHeartbeat(context.Background(), tc.hb))
			d, err := g.Acquire(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.expect, d.Outcome)
		})
	}
}

func TestLockDecisions(t *testing.T) {
	cases := []struct {
		name   string
		lock   Lock
		expect Outcome
		reason string
	}{
		{"different host", Lock{LockedAt: t0.Add(-time.Minute), OwnerHost: "vm-2", OwnerPID: 4242}, OutcomeBlocked, "different host"},
		{"different machine same hostname", Lock{LockedAt: t0.Add(-time.Minute), OwnerHost: "vm-1", OwnerMachineID: "m-2", OwnerPID: 7}, OutcomeBlocked, "different host"},
		{"live pid same host", Lock{LockedAt: t0.Add(-time.Minute), OwnerHost: "vm-1", OwnerMachineID: "m-1", OwnerPID: 4242}, OutcomeBlocked, "running process 4242"},
		{"dead pid same host", Lock{LockedAt: t0.Add(-time.Minute), OwnerHost: "vm-1", OwnerMachineID: "m-1", OwnerPID: 7}, OutcomeReclaimed, "not running"},
		{"stale lock other host", Lock{LockedAt: t0.Add(-11 * time.Minute), OwnerHost: "vm-2", OwnerPID: 4242}, OutcomeAcquired, "stale or absent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store := newTestGuard(t, local(100))
			ctx := context.Background()
			require.NoError(t, store.WriteLock(ctx, tc.lock))

			d, err := g.Acquire(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, d.Outcome)
			assert.Contains(t, d.Reason, tc.reason)

			lock, err := store.ReadLock(ctx)
			require.NoError(t, err)
			if tc.expect == OutcomeBlocked {
				assert.Equal(t, tc.lock.OwnerPID, lock.OwnerPID, "lock untouched")
			} else {
				assert.Equal(t, 100, lock.OwnerPID)
			}
		})
	}
}

func TestTwoProcessesExcludeEachOther(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "hb.json"), filepath.Join(dir, "lock.json"))
	cfg := Config{Mode: "live"}
	first := New(store, cfg, local(4242), nil, zerolog.Nop())
	second := New(store, cfg, local(4343), nil, zerolog.Nop())
	second.alive = func(pid int) bool { return pid == 4242 }
	ctx := context.Background()

	d, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.NoError(t, first.Beat(ctx))

	d, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, d.Outcome)

	require.NoError(t, first.Release(ctx))
	d, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome, "clean shutdown frees the guard")
}

func TestFileStoreClaimLockComparesRecord(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "hb.json"), filepath.Join(dir, "meta", "lock.json"))
	ctx := context.Background()
	a := Lock{LockedAt: t0, OwnerHost: "vm-1", OwnerPID: 1, Mode: "live"}
	b := Lock{LockedAt: t0.Add(time.Second), OwnerHost: "vm-2", OwnerPID: 2, Mode: "live"}

	ok, err := store.ClaimLock(ctx, a, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimLock(ctx, b, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a lock appeared after the caller saw none")

	ok, err = store.ClaimLock(ctx, b, &a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimLock(ctx, a, &a)
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation")

	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lock.OwnerPID)
}

func TestConcurrentAcquireAdmitsOne(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "hb.json"), filepath.Join(dir, "lock.json"))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	allowed := make(chan int, n)
	for i := 0; i < n; i++ {
		g := New(store, Config{Mode: "live"}, local(5000+i), nil, zerolog.Nop())
		g.alive = func(int) bool { return true }
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			d, err := g.Acquire(ctx)
			if assert.NoError(t, err) && d.Allowed() {
				allowed <- pid
			}
		}(5000 + i)
	}
	wg.Wait()
	close(allowed)

	var winners []int
	for pid := range allowed {
		winners = append(winners, pid)
	}
	require.Len(t, winners, 1)
	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, winners[0], lock.OwnerPID)
}

func TestReleaseOnlyRemovesOwnLock(t *testing.T) {
	g, store := newTestGuard(t, local(100))
	ctx := context.Background()
	_, err := g.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, store.WriteLock(ctx, Lock{LockedAt: t0, OwnerHost: "vm-1", OwnerPID: 555}))
	require.NoError(t, g.Release(ctx))

	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 555, lock.OwnerPID)

	hb, err := store.ReadHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, hb.Status)
}

func TestCorruptRecordsCountAsAbsent(t *testing.T) {
	g, store := newTestGuard(t, local(100))
	require.NoError(t, os.WriteFile(store.HeartbeatPath, []byte("{not json"), 0o644))

	d, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome)
}

func TestRunHeartbeatCountsLoops(t *testing.T) {
	g, store := newTestGuard(t, local(100))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.RunHeartbeat(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hb, err := store.ReadHeartbeat(context.Background())
		return err == nil && hb != nil && hb.LoopCount >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	hb, err := store.ReadHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, hb.Status)
	assert.Equal(t, 100, hb.PID)
}

func TestStatusAndDecisionEvent(t *testing.T) {
	bus := events.NewBus()
	decisions, _ := bus.Subscribe(events.EventGuardDecision, 1)
	g, _ := newTestGuard(t, local(100))
	g.bus = bus
	ctx := context.Background()

	st := g.Status(ctx)
	assert.Equal(t, OutcomeAcquired, st.Decision.Outcome)
	assert.False(t, st.OwnedByUs)

	_, err := g.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Beat(ctx))

	st = g.Status(ctx)
	assert.True(t, st.OwnedByUs)
	require.NotNil(t, st.Lock)
	require.NotNil(t, st.Heartbeat)
	assert.Equal(t, int64(1), st.HeartbeatLoop)

	ev := (<-decisions).(events.GuardDecision)
	assert.Equal(t, "acquired", ev.Outcome)
	assert.Equal(t, 100, ev.PID)
}

func TestRedisStoreSurfacesConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	store := NewRedisStore(client, "", time.Minute, time.Minute)
	assert.Equal(t, "execution-core:guard:lock", store.lockKey)

	_, err := store.ReadLock(context.Background())
	assert.Error(t, err)

	g := New(store, Config{Mode: "live"}, local(100), nil, zerolog.Nop())
	_, err = g.Acquire(context.Background())
	assert.Error(t, err, "an unreachable store cannot take the lock")
}

func TestPIDAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}
