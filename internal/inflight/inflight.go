// Package inflight tracks in-progress rendition builds so that at most one
// build runs per fingerprint. Followers wait for the leader's lease to be
// released, then consult the cache or re-enter as leader themselves.
package inflight

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/photodav/photodav/internal/clock"
	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("inflight")

const (
	// DefaultLeaseTimeout is how long a lease may exist before the watchdog
	// force-expires it. Protects followers from leaders that crashed without
	// calling Leave.
	DefaultLeaseTimeout = 30 * time.Second

	watchdogInterval = 5 * time.Second

	// followers poll lease presence at this cadence in addition to waiting
	// for the release signal.
	followerPollInterval = 100 * time.Millisecond

	// Size of the per-key build mutex LRU. An evicted mutex costs at worst a
	// redundant build, made safe by the partial-file nonce.
	buildMutexCacheSize = 10000
)

// Lease marks one in-progress build.
type Lease struct {
	Key         string
	DisplayPath string
	ID          string
	StartedAt   time.Time

	released chan struct{}
}

// Tracker owns the lease table and its watchdog.
type Tracker struct {
	mu     sync.Mutex
	leases map[string]*Lease

	buildMutexes *lru.Cache

	leaseTimeout   time.Duration
	watchdogClosed chan struct{}
	watchdogWG     sync.WaitGroup
}

// NewTracker creates an empty Tracker.
func NewTracker(leaseTimeout time.Duration) *Tracker {
	if leaseTimeout == 0 {
		leaseTimeout = DefaultLeaseTimeout
	}

	t := &Tracker{
		leases:         map[string]*Lease{},
		leaseTimeout:   leaseTimeout,
		watchdogClosed: make(chan struct{}),
	}

	t.buildMutexes, _ = lru.New(buildMutexCacheSize)

	return t
}

// Enter attempts to become the leader for the given key. The second return
// value is true for the leader; followers receive the leader's lease to wait
// on.
func (t *Tracker) Enter(key, displayPath string) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.leases[key]; ok {
		return existing, false
	}

	l := &Lease{
		Key:         key,
		DisplayPath: displayPath,
		ID:          uuid.NewString(),
		StartedAt:   clock.Now(),
		released:    make(chan struct{}),
	}
	t.leases[key] = l

	return l, true
}

// Leave releases the lease. Idempotent, and a no-op if the watchdog already
// replaced it.
func (t *Tracker) Leave(l *Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaveLocked(l)
}

func (t *Tracker) leaveLocked(l *Lease) {
	cur, ok := t.leases[l.Key]
	if !ok || cur.ID != l.ID {
		return
	}

	delete(t.leases, l.Key)
	close(cur.released)
}

// WaitRelease blocks a follower until the lease disappears, the context is
// canceled, or the tracker's lease timeout elapses.
func (t *Tracker) WaitRelease(ctx context.Context, l *Lease) error {
	deadline := time.NewTimer(t.leaseTimeout)
	defer deadline.Stop()

	poll := time.NewTicker(followerPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-l.released:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-poll.C:
			t.mu.Lock()
			cur, ok := t.leases[l.Key]
			gone := !ok || cur.ID != l.ID
			t.mu.Unlock()

			if gone {
				return nil
			}
		}
	}
}

// BuildMutex returns the per-key mutex serializing actual build work for a
// fingerprint, independent of lease bookkeeping.
func (t *Tracker) BuildMutex(key string) *sync.Mutex {
	if v, ok := t.buildMutexes.Get(key); ok {
		return v.(*sync.Mutex) //nolint:forcetypeassert
	}

	newVal := &sync.Mutex{}

	if prevVal, ok, _ := t.buildMutexes.PeekOrAdd(key, newVal); ok {
		return prevVal.(*sync.Mutex) //nolint:forcetypeassert
	}

	return newVal
}

// ActiveLeases returns the number of in-progress builds.
func (t *Tracker) ActiveLeases() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.leases)
}

// StartWatchdog begins periodic expiration of stuck leases.
func (t *Tracker) StartWatchdog(ctx context.Context) {
	t.watchdogWG.Add(1)

	go func() {
		defer t.watchdogWG.Done()

		tick := time.NewTicker(watchdogInterval)
		defer tick.Stop()

		for {
			select {
			case <-t.watchdogClosed:
				return
			case <-tick.C:
				t.expireStuck(ctx)
			}
		}
	}()
}

// Stop terminates the watchdog.
func (t *Tracker) Stop() {
	close(t.watchdogClosed)
	t.watchdogWG.Wait()
}

func (t *Tracker) expireStuck(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range t.leases {
		if clock.Since(l.StartedAt) > t.leaseTimeout {
			log(ctx).Warnf("force-expiring stuck lease for %v (age %v)", l.DisplayPath, clock.Since(l.StartedAt))
			t.leaveLocked(l)
		}
	}
}
