package inflight_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/inflight"
	"github.com/photodav/photodav/internal/testlogging"
)

func TestSingleLeaderPerKey(t *testing.T) {
	tr := inflight.NewTracker(0)

	l1, leader1 := tr.Enter("key1", "/a.jpg")
	require.True(t, leader1)

	l2, leader2 := tr.Enter("key1", "/a.jpg")
	require.False(t, leader2)
	require.Equal(t, l1.ID, l2.ID)

	// distinct key gets its own leader
	_, leader3 := tr.Enter("key2", "/b.jpg")
	require.True(t, leader3)

	require.Equal(t, 2, tr.ActiveLeases())

	tr.Leave(l1)
	require.Equal(t, 1, tr.ActiveLeases())

	// after release a new leader can enter
	_, leader4 := tr.Enter("key1", "/a.jpg")
	require.True(t, leader4)
}

func TestLeaveIsIdempotent(t *testing.T) {
	tr := inflight.NewTracker(0)

	l, _ := tr.Enter("key1", "/a.jpg")
	tr.Leave(l)
	tr.Leave(l)

	require.Zero(t, tr.ActiveLeases())
}

func TestFollowerWakesOnRelease(t *testing.T) {
	tr := inflight.NewTracker(0)

	l, leader := tr.Enter("key1", "/a.jpg")
	require.True(t, leader)

	follower, isLeader := tr.Enter("key1", "/a.jpg")
	require.False(t, isLeader)

	var woke int32

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		require.NoError(t, tr.WaitRelease(context.Background(), follower))
		atomic.StoreInt32(&woke, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&woke))

	tr.Leave(l)
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&woke))
}

func TestWaitReleaseHonorsContext(t *testing.T) {
	tr := inflight.NewTracker(0)

	l, _ := tr.Enter("key1", "/a.jpg")
	defer tr.Leave(l)

	follower, _ := tr.Enter("key1", "/a.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.Error(t, tr.WaitRelease(ctx, follower))
}

func TestWatchdogExpiresStuckLeases(t *testing.T) {
	ctx := testlogging.Context(t)

	tr := inflight.NewTracker(50 * time.Millisecond)
	tr.StartWatchdog(ctx)

	defer tr.Stop()

	_, leader := tr.Enter("key1", "/a.jpg")
	require.True(t, leader)

	// the leader never calls Leave; the watchdog must clean up
	require.Eventually(t, func() bool {
		return tr.ActiveLeases() == 0
	}, 30*time.Second, 100*time.Millisecond)
}

func TestConcurrentEntersElectOneLeader(t *testing.T) {
	tr := inflight.NewTracker(0)

	const n = 50

	var leaders int32

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, leader := tr.Enter("key1", "/a.jpg"); leader {
				atomic.AddInt32(&leaders, 1)
			}
		}()
	}

	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&leaders))
}

func TestBuildMutexIsStablePerKey(t *testing.T) {
	tr := inflight.NewTracker(0)

	m1 := tr.BuildMutex("key1")
	m2 := tr.BuildMutex("key1")
	require.Same(t, m1, m2)

	require.NotSame(t, m1, tr.BuildMutex("key2"))
}
