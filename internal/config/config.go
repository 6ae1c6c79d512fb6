// Package config implements the typed, range-validated, hot-reloaded settings
// registry backed by a KEY=VALUE text file.
package config

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/photodav/photodav/internal/atomicfile"
	"github.com/photodav/photodav/internal/logging"
)

var log = logging.Module("config")

// DefaultPollInterval is how often the settings file is re-read.
const DefaultPollInterval = 10 * time.Second

// Snapshot is an immutable, consistent view of all settings. Readers must
// grab a snapshot once and use it for the duration of one operation.
type Snapshot struct {
	DefaultQuality      int
	PhotoSize           int
	MaxConcurrency      int
	MemoryLimitMB       int
	PixelLimit          int64
	CacheTTL            time.Duration
	CacheMinSize        int64
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	RateLimitQueueSize  int
	StackMaxSize        int
	ProcessingDelay     time.Duration
	MaxList             int
	WebpEffort          int
	WebpEffortFast      int
	WebpReductionEffort int

	CompressionEnabled        bool
	ImageConversionEnabled    bool
	RateLimitEnabled          bool
	EmergencyDisableRateLimit bool
	DropWhenOverloaded        bool
	AggressiveDropEnabled     bool
	EmergencyResetEnabled     bool
	RestartEnabled            bool

	CompressionThreshold float64

	RestartTime string
	MagickPath  string
	ImageMode   int
	WebpPreset  string
	Ports       []string
	RootPath    string
}

// RateLimitActive reports whether request rate limiting should be applied,
// honoring the emergency override.
func (s *Snapshot) RateLimitActive() bool {
	return s.RateLimitEnabled && !s.EmergencyDisableRateLimit
}

// ChangeCallback is invoked after a reload produced a snapshot that differs
// from the previous one.
type ChangeCallback func(ctx context.Context, old, new *Snapshot)

// Registry owns the settings file, its parsed snapshot and the reload poller.
type Registry struct {
	path string

	current   atomic.Pointer[Snapshot]
	rawText   atomic.Pointer[string]
	effective map[string]string // last effective values, for diff logging

	mu        sync.Mutex
	callbacks []ChangeCallback

	pollClosed  chan struct{}
	pollRunning sync.WaitGroup
}

// Load reads the settings file and returns a Registry. A missing file is not
// an error; all settings start at their defaults.
func Load(ctx context.Context, path string) (*Registry, error) {
	r := &Registry{
		path:       path,
		pollClosed: make(chan struct{}),
	}

	if err := r.Reload(ctx); err != nil {
		return nil, errors.Wrap(err, "initial settings load")
	}

	return r, nil
}

// Path returns the location of the settings file.
func (r *Registry) Path() string {
	return r.path
}

// Snapshot returns the current immutable settings snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// RawText returns the raw text of the settings file as of the last reload.
func (r *Registry) RawText() string {
	if p := r.rawText.Load(); p != nil {
		return *p
	}

	return ""
}

// SaveRaw atomically replaces the settings file contents and reloads.
func (r *Registry) SaveRaw(ctx context.Context, content string) error {
	if err := atomicfile.Write(r.path, strings.NewReader(content)); err != nil {
		return errors.Wrap(err, "writing settings file")
	}

	return r.Reload(ctx)
}

// OnChange registers a callback invoked whenever a reload changes any setting.
func (r *Registry) OnChange(cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks = append(r.callbacks, cb)
}

// Reload re-reads the settings file, swaps in a new snapshot and notifies
// callbacks if anything changed.
func (r *Registry) Reload(ctx context.Context) error {
	text := ""

	b, err := os.ReadFile(r.path)

	switch {
	case err == nil:
		text = string(b)
	case os.IsNotExist(err):
		log(ctx).Warnf("settings file %v not found, using defaults", r.path)
	default:
		return errors.Wrap(err, "reading settings file")
	}

	snap, effective := buildSnapshot(ctx, parseKV(text))

	r.mu.Lock()
	old := r.current.Load()
	changed := diffEffective(ctx, r.effective, effective)
	r.effective = effective
	r.current.Store(snap)
	r.rawText.Store(&text)
	cbs := append([]ChangeCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if old != nil && changed {
		for _, cb := range cbs {
			cb(ctx, old, snap)
		}
	}

	return nil
}

// StartPolling begins periodic reloads until StopPolling is called.
func (r *Registry) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	r.pollRunning.Add(1)

	go func() {
		defer r.pollRunning.Done()

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-r.pollClosed:
				return
			case <-t.C:
				if err := r.Reload(ctx); err != nil {
					log(ctx).Errorf("settings reload failed: %v", err)
				}
			}
		}
	}()
}

// StopPolling stops the reload poller.
func (r *Registry) StopPolling() {
	close(r.pollClosed)
	r.pollRunning.Wait()
}

// parseKV parses KEY=VALUE lines, ignoring blank lines and '#' comments.
func parseKV(text string) map[string]string {
	result := map[string]string{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}

		key := strings.TrimSpace(line[:eq])
		if key == "" {
			continue
		}

		result[key] = strings.TrimSpace(line[eq+1:])
	}

	return result
}

func diffEffective(ctx context.Context, old, new map[string]string) bool {
	if old == nil {
		return true
	}

	var changes []string

	for k, nv := range new {
		if ov := old[k]; ov != nv {
			changes = append(changes, k+": "+ov+" -> "+nv)
		}
	}

	if len(changes) == 0 {
		return false
	}

	sort.Strings(changes)
	log(ctx).Infof("settings changed: %v", strings.Join(changes, ", "))

	return true
}
