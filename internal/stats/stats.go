// Package stats accumulates byte-savings counters and persists them to a
// JSON file with a short debounce, so bursts of requests coalesce into one
// disk write.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/photodav/photodav/internal/atomicfile"
	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("stats")

// DefaultFlushDebounce coalesces counter updates into one write.
const DefaultFlushDebounce = 2 * time.Second

// Category names.
const (
	CategoryImage = "image"
	CategoryText  = "text"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photodav_requests_total",
		Help: "Requests processed, by category.",
	}, []string{"category"})

	metricOriginalBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photodav_original_bytes_total",
		Help: "Source bytes before optimization, by category.",
	}, []string{"category"})

	metricOptimizedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photodav_optimized_bytes_total",
		Help: "Bytes actually served after optimization, by category.",
	}, []string{"category"})
)

// Counters is one accumulation bucket.
type Counters struct {
	Requests       int64   `json:"requests"`
	OriginalBytes  int64   `json:"originalBytes"`
	OptimizedBytes int64   `json:"optimizedBytes"`
	SavedBytes     int64   `json:"savedBytes"`
	ReductionRatio float64 `json:"reductionRatio"`
}

func (c *Counters) add(original, optimized int64) {
	c.Requests++
	c.OriginalBytes += original
	c.OptimizedBytes += optimized
	c.SavedBytes = c.OriginalBytes - c.OptimizedBytes

	if c.OriginalBytes > 0 {
		c.ReductionRatio = float64(c.SavedBytes) / float64(c.OriginalBytes)
	}
}

// Snapshot is the serialized counter state.
type Snapshot struct {
	Totals     Counters            `json:"totals"`
	Categories map[string]Counters `json:"categories"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// Collector accumulates counters and flushes them to path.
type Collector struct {
	path     string
	debounce time.Duration

	mu         sync.Mutex
	totals     Counters
	categories map[string]*Counters
	dirty      bool

	flushTimer *time.Timer
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewCollector creates a collector persisting to path. Existing counters are
// loaded so restarts do not reset the totals. debounce zero means the
// default.
func NewCollector(ctx context.Context, path string, debounce time.Duration) *Collector {
	if debounce == 0 {
		debounce = DefaultFlushDebounce
	}

	c := &Collector{
		path:       path,
		debounce:   debounce,
		categories: map[string]*Counters{},
		closed:     make(chan struct{}),
	}

	if err := c.load(); err != nil {
		log(ctx).Debugf("no previous stats loaded: %v", err)
	}

	return c
}

func (c *Collector) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return errors.Wrap(err, "reading stats file")
	}

	var s Snapshot

	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "parsing stats file")
	}

	c.totals = s.Totals

	for name, cat := range s.Categories {
		cc := cat
		c.categories[name] = &cc
	}

	return nil
}

// Record accumulates one served response and schedules a flush.
func (c *Collector) Record(category string, originalBytes, optimizedBytes int64) {
	metricRequests.WithLabelValues(category).Inc()
	metricOriginalBytes.WithLabelValues(category).Add(float64(originalBytes))
	metricOptimizedBytes.WithLabelValues(category).Add(float64(optimizedBytes))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totals.add(originalBytes, optimizedBytes)

	cat := c.categories[category]
	if cat == nil {
		cat = &Counters{}
		c.categories[category] = cat
	}

	cat.add(originalBytes, optimizedBytes)

	c.dirty = true
	c.scheduleFlushLocked()
}

func (c *Collector) scheduleFlushLocked() {
	if c.flushTimer != nil {
		return
	}

	c.flushTimer = time.AfterFunc(c.debounce, func() {
		select {
		case <-c.closed:
			return
		default:
		}

		if err := c.Flush(); err != nil {
			log(context.Background()).Warnf("unable to flush stats: %v", err)
		}
	})
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Totals:     c.totals,
		Categories: map[string]Counters{},
		UpdatedAt:  time.Now(),
	}

	for name, cat := range c.categories {
		s.Categories[name] = *cat
	}

	return s
}

// Flush writes the counters to disk immediately.
func (c *Collector) Flush() error {
	c.mu.Lock()

	if !c.dirty {
		c.mu.Unlock()
		return nil
	}

	c.dirty = false

	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}

	s := Snapshot{
		Totals:     c.totals,
		Categories: map[string]Counters{},
		UpdatedAt:  time.Now(),
	}

	for name, cat := range c.categories {
		s.Categories[name] = *cat
	}

	c.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding stats")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrap(err, "creating stats directory")
	}

	return errors.Wrap(atomicfile.Write(c.path, bytes.NewReader(data)), "writing stats file")
}

// Close flushes pending counters and stops the debounce timer.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	return c.Flush()
}
