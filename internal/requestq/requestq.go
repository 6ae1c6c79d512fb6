// Package requestq implements the adaptive admission queue in front of the
// image pipeline. A single worker drains a double-ended buffer: FIFO while
// the buffer is small (preserves gallery scroll order), LIFO once it grows
// (prioritizes the user's most recent navigation). Overload sheds oldest
// items, and a change of the requested folder cancels everything buffered.
package requestq

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/photodav/photodav/internal/clock"
	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("requestq")

// Default per-item timeouts.
const (
	// DefaultOuterTimeout is the hard deadline after which a running item is
	// answered 408 and abandoned.
	DefaultOuterTimeout = 8 * time.Second

	// DefaultInnerTimeout races the processor; on expiry the item is
	// answered 500 "Processor timeout".
	DefaultInnerTimeout = 6 * time.Second

	stuckCheckInterval = 3 * time.Second
	stuckProcessingAge = 5 * time.Second
)

// Load thresholds, expressed as fractions of the configured maximum so they
// track STACK_MAX_SIZE. With the default max of 100 they match the classic
// absolute levels (80/50/30/60).
const (
	heavyShedFraction      = 0.8 // drop oldest 50%
	moderateShedFraction   = 0.5 // drop oldest 25%
	lifoSwitchFraction     = 0.3 // boundary between FIFO and LIFO
	aggressiveDropFraction = 0.6 // stuck detector drops 30% above this
)

// Item is one queued request. Run executes the processor; Respond delivers a
// terminal status without running it. The queue guarantees exactly one of
// the two outcomes and closes Done afterwards.
type Item struct {
	DisplayPath string
	FolderTag   string
	EnqueuedAt  time.Time

	Run     func(ctx context.Context) error
	Respond func(status int, message string)

	done chan struct{}
}

// Done is closed once the item reached a terminal state.
func (it *Item) Done() <-chan struct{} {
	return it.done
}

// Options provides live configuration accessors.
type Options struct {
	MaxSize            func() int
	ProcessingDelay    func() time.Duration
	DropWhenOverloaded func() bool
	AggressiveDrop     func() bool
	EmergencyReset     func() bool

	// overridable in tests
	OuterTimeout time.Duration
	InnerTimeout time.Duration
}

func (o Options) applyDefaults() Options {
	if o.OuterTimeout == 0 {
		o.OuterTimeout = DefaultOuterTimeout
	}

	if o.InnerTimeout == 0 {
		o.InnerTimeout = DefaultInnerTimeout
	}

	return o
}

// Queue is the adaptive single-worker scheduler.
type Queue struct {
	opt Options

	mu              sync.Mutex
	items           *list.List
	currentFolder   string
	processing      bool
	processingSince time.Time

	kick   chan struct{}
	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped queue; call Start to begin processing.
func New(opt Options) *Queue {
	return &Queue{
		opt:    opt.applyDefaults(),
		items:  list.New(),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// Enqueue admits an item, applying folder-switch invalidation and overload
// shedding first.
func (q *Queue) Enqueue(ctx context.Context, it *Item) {
	it.done = make(chan struct{})

	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = clock.Now()
	}

	q.mu.Lock()

	if it.FolderTag != q.currentFolder {
		if q.items.Len() > 0 {
			log(ctx).Infof("folder switch %q -> %q, cancelling %v buffered items",
				q.currentFolder, it.FolderTag, q.items.Len())
			q.cancelAllLocked(http.StatusGone, "Request cancelled due to folder change")
		}

		q.currentFolder = it.FolderTag
		q.processing = false
	}

	if q.opt.DropWhenOverloaded() {
		q.shedLocked(ctx)
	}

	q.items.PushBack(it)
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// shedLocked applies the tiered overload policy, mirroring the admission
// ladder: heaviest tier first, each tier exclusive.
func (q *Queue) shedLocked(ctx context.Context) {
	n := q.items.Len()
	max := q.opt.MaxSize()

	switch {
	case n >= int(float64(max)*heavyShedFraction):
		q.dropOldestLocked(ctx, n/2)
	case n >= int(float64(max)*moderateShedFraction):
		q.dropOldestLocked(ctx, n/4)
	case n >= max:
		q.dropOldestLocked(ctx, 1)
	}
}

func (q *Queue) dropOldestLocked(ctx context.Context, count int) {
	if count <= 0 {
		return
	}

	log(ctx).Warnf("shedding %v oldest queued items under load", count)

	for i := 0; i < count; i++ {
		front := q.items.Front()
		if front == nil {
			return
		}

		q.items.Remove(front)
		q.finish(front.Value.(*Item), http.StatusServiceUnavailable, "overflow") //nolint:forcetypeassert
	}
}

func (q *Queue) cancelAllLocked(status int, message string) {
	for q.items.Len() > 0 {
		front := q.items.Front()
		q.items.Remove(front)
		q.finish(front.Value.(*Item), status, message) //nolint:forcetypeassert
	}
}

// finish delivers a terminal response without running the item.
func (q *Queue) finish(it *Item, status int, message string) {
	it.Respond(status, message)
	close(it.done)
}

// dequeueLocked picks the next item: oldest while the buffer is small,
// newest once it exceeds the LIFO boundary.
func (q *Queue) dequeueLocked() *Item {
	n := q.items.Len()
	if n == 0 {
		return nil
	}

	boundary := int(float64(q.opt.MaxSize()) * lifoSwitchFraction)

	var el *list.Element
	if n <= boundary {
		el = q.items.Front()
	} else {
		el = q.items.Back()
	}

	q.items.Remove(el)

	return el.Value.(*Item) //nolint:forcetypeassert
}

// Start launches the worker and the stuck detector.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)

	go q.worker(ctx)
	go q.stuckDetector(ctx)
}

// Stop terminates processing; anything still buffered is answered 503.
func (q *Queue) Stop() {
	close(q.closed)
	q.wg.Wait()

	q.mu.Lock()
	q.cancelAllLocked(http.StatusServiceUnavailable, "server shutting down")
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.closed:
			return
		case <-q.kick:
		}

		for {
			q.mu.Lock()
			it := q.dequeueLocked()
			if it == nil {
				q.mu.Unlock()
				break
			}

			q.processing = true
			q.processingSince = clock.Now()
			q.mu.Unlock()

			q.process(ctx, it)

			q.mu.Lock()
			q.processing = false
			q.mu.Unlock()

			// brief yield between items to limit CPU pinning
			select {
			case <-q.closed:
				return
			case <-time.After(q.opt.ProcessingDelay()):
			}
		}
	}
}

// process runs one item under the inner/outer timeout pair.
func (q *Queue) process(ctx context.Context, it *Item) {
	defer close(it.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		result <- it.Run(runCtx)
	}()

	outer := time.NewTimer(q.opt.OuterTimeout)
	defer outer.Stop()

	inner := time.NewTimer(q.opt.InnerTimeout)
	defer inner.Stop()

	select {
	case err := <-result:
		if err != nil {
			log(ctx).Warnf("processing %v failed: %v", it.DisplayPath, err)
		}

		return

	case <-inner.C:
		cancel()
	}

	// inner deadline passed; give the processor until the hard deadline to
	// acknowledge cancellation.
	select {
	case <-result:
		log(ctx).Errorf("processor timeout for %v", it.DisplayPath)
		it.Respond(http.StatusInternalServerError, "Processor timeout")

	case <-outer.C:
		log(ctx).Errorf("hard timeout for %v, abandoning item", it.DisplayPath)
		it.Respond(http.StatusRequestTimeout, "Request timeout")
	}
}

func (q *Queue) stuckDetector(ctx context.Context) {
	defer q.wg.Done()

	t := time.NewTicker(stuckCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-q.closed:
			return
		case <-t.C:
			q.checkStuck(ctx)
		}
	}
}

func (q *Queue) checkStuck(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	max := q.opt.MaxSize()
	n := q.items.Len()

	if q.processing && clock.Since(q.processingSince) > stuckProcessingAge && q.opt.EmergencyReset() {
		log(ctx).Warnf("processing stuck for %v, resetting", clock.Since(q.processingSince))
		q.processing = false
	}

	switch {
	case n > max && q.opt.EmergencyReset():
		log(ctx).Errorf("queue size %v above maximum %v, forcing recovery", n, max)
		q.processing = false
		q.dropOldestLocked(ctx, n-max)
	case n > int(float64(max)*aggressiveDropFraction) && q.opt.AggressiveDrop():
		q.dropOldestLocked(ctx, n*3/10)
	}
}
