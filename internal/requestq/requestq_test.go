package requestq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photodav/photodav/internal/requestq"
	"github.com/photodav/photodav/internal/testlogging"
)

type recorder struct {
	mu     sync.Mutex
	ran    []string
	status map[string]int
}

func newRecorder() *recorder {
	return &recorder{status: map[string]int{}}
}

func (r *recorder) item(path string, run func(ctx context.Context) error) *requestq.Item {
	if run == nil {
		run = func(context.Context) error { return nil }
	}

	return &requestq.Item{
		DisplayPath: path,
		FolderTag:   parentOf(path),
		Run: func(ctx context.Context) error {
			r.mu.Lock()
			r.ran = append(r.ran, path)
			r.mu.Unlock()

			return run(ctx)
		},
		Respond: func(status int, message string) {
			r.mu.Lock()
			r.status[path] = status
			r.mu.Unlock()
		},
	}
}

func parentOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}

	return ""
}

func (r *recorder) runOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.ran...)
}

func (r *recorder) statusOf(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status[path]
}

func options(max int, shed bool) requestq.Options {
	return requestq.Options{
		MaxSize:            func() int { return max },
		ProcessingDelay:    func() time.Duration { return time.Millisecond },
		DropWhenOverloaded: func() bool { return shed },
		AggressiveDrop:     func() bool { return false },
		EmergencyReset:     func() bool { return false },
	}
}

func waitAll(t *testing.T, items []*requestq.Item) {
	t.Helper()

	for _, it := range items {
		select {
		case <-it.Done():
		case <-time.After(10 * time.Second):
			t.Fatalf("item %v never finished", it.DisplayPath)
		}
	}
}

func TestFIFOWhenSmall(t *testing.T) {
	ctx := testlogging.Context(t)

	q := requestq.New(options(100, false))
	rec := newRecorder()

	var items []*requestq.Item

	for _, p := range []string{"/A/1.jpg", "/A/2.jpg", "/A/3.jpg", "/A/4.jpg", "/A/5.jpg"} {
		it := rec.item(p, nil)
		items = append(items, it)
		q.Enqueue(ctx, it)
	}

	q.Start(ctx)
	defer q.Stop()

	waitAll(t, items)

	require.Equal(t, []string{"/A/1.jpg", "/A/2.jpg", "/A/3.jpg", "/A/4.jpg", "/A/5.jpg"}, rec.runOrder())
}

func TestLIFOWhenLarge(t *testing.T) {
	ctx := testlogging.Context(t)

	q := requestq.New(options(100, false))
	rec := newRecorder()

	var items []*requestq.Item

	// above the 30% boundary, the newest item runs first
	for i := 0; i < 40; i++ {
		it := rec.item(pathN(i), nil)
		items = append(items, it)
		q.Enqueue(ctx, it)
	}

	q.Start(ctx)
	defer q.Stop()

	waitAll(t, items)

	order := rec.runOrder()
	require.Len(t, order, 40)
	require.Equal(t, pathN(39), order[0])
}

func pathN(i int) string {
	return "/A/" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".jpg"
}

func TestFolderSwitchCancelsBuffered(t *testing.T) {
	ctx := testlogging.Context(t)

	q := requestq.New(options(100, false))
	rec := newRecorder()

	var cancelled []*requestq.Item

	for _, p := range []string{"/A/1.jpg", "/A/2.jpg", "/A/3.jpg", "/A/4.jpg", "/A/5.jpg"} {
		it := rec.item(p, nil)
		cancelled = append(cancelled, it)
		q.Enqueue(ctx, it)
	}

	survivor := rec.item("/B/1.jpg", nil)
	q.Enqueue(ctx, survivor)

	// the five buffered items are already terminal before the worker starts
	waitAll(t, cancelled)

	for _, it := range cancelled {
		require.Equal(t, 410, rec.statusOf(it.DisplayPath))
	}

	q.Start(ctx)
	defer q.Stop()

	waitAll(t, []*requestq.Item{survivor})
	require.Equal(t, []string{"/B/1.jpg"}, rec.runOrder())
}

func TestSheddingUnderLoad(t *testing.T) {
	ctx := testlogging.Context(t)

	q := requestq.New(options(100, true))
	rec := newRecorder()

	shed := 0

	for i := 0; i < 200; i++ {
		q.Enqueue(ctx, rec.item(pathUnique(i), nil))
	}

	rec.mu.Lock()
	for _, st := range rec.status {
		if st == 503 {
			shed++
		}
	}
	rec.mu.Unlock()

	require.Positive(t, shed)
	require.LessOrEqual(t, q.Len(), 100)
}

func pathUnique(i int) string {
	return "/A/img-" + time.Duration(i).String() + ".jpg"
}

func TestInnerTimeoutRespondsProcessorTimeout(t *testing.T) {
	ctx := testlogging.Context(t)

	opt := options(100, false)
	opt.InnerTimeout = 50 * time.Millisecond
	opt.OuterTimeout = 500 * time.Millisecond

	q := requestq.New(opt)
	rec := newRecorder()

	it := rec.item("/A/slow.jpg", func(runCtx context.Context) error {
		<-runCtx.Done()
		return runCtx.Err()
	})

	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(ctx, it)
	waitAll(t, []*requestq.Item{it})

	require.Equal(t, 500, rec.statusOf("/A/slow.jpg"))
}

func TestOuterTimeoutRespondsRequestTimeout(t *testing.T) {
	ctx := testlogging.Context(t)

	opt := options(100, false)
	opt.InnerTimeout = 50 * time.Millisecond
	opt.OuterTimeout = 150 * time.Millisecond

	q := requestq.New(opt)
	rec := newRecorder()

	// ignores cancellation entirely
	it := rec.item("/A/wedged.jpg", func(context.Context) error {
		time.Sleep(2 * time.Second)
		return nil
	})

	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(ctx, it)
	waitAll(t, []*requestq.Item{it})

	require.Equal(t, 408, rec.statusOf("/A/wedged.jpg"))
}

func TestStopAnswersBuffered(t *testing.T) {
	ctx := testlogging.Context(t)

	q := requestq.New(options(100, false))
	rec := newRecorder()

	it := rec.item("/A/1.jpg", nil)
	q.Enqueue(ctx, it)

	q.Stop()

	waitAll(t, []*requestq.Item{it})
	require.Equal(t, 503, rec.statusOf("/A/1.jpg"))
}
