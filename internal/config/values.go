package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// valueReader resolves typed settings out of the raw key/value map, falling
// back to defaults on invalid input. Each offense class is logged at most
// once per reload.
type valueReader struct {
	ctx       context.Context
	values    map[string]string
	effective map[string]string
	warned    map[string]bool
}

func (v *valueReader) warnOnce(class, key, raw string) {
	if v.warned[class] {
		return
	}

	v.warned[class] = true

	log(v.ctx).Warnf("invalid setting (%v): %v=%q, using default", class, key, raw)
}

func (v *valueReader) record(key, val string) {
	v.effective[key] = val
}

func (v *valueReader) intValue(key string, def, min, max int) int {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, strconv.Itoa(def))
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		v.warnOnce("not-an-integer", key, raw)
		v.record(key, strconv.Itoa(def))

		return def
	}

	if n < min || n > max {
		v.warnOnce("out-of-range", key, raw)
		v.record(key, strconv.Itoa(def))

		return def
	}

	v.record(key, strconv.Itoa(n))

	return n
}

func (v *valueReader) int64Value(key string, def, min, max int64) int64 {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, strconv.FormatInt(def, 10))
		return def
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		v.warnOnce("not-an-integer", key, raw)
		v.record(key, strconv.FormatInt(def, 10))

		return def
	}

	if n < min || n > max {
		v.warnOnce("out-of-range", key, raw)
		v.record(key, strconv.FormatInt(def, 10))

		return def
	}

	v.record(key, strconv.FormatInt(n, 10))

	return n
}

func (v *valueReader) boolValue(key string, def bool) bool {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, strconv.FormatBool(def))
		return def
	}

	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		v.record(key, "true")
		return true
	case "false", "0", "no", "off":
		v.record(key, "false")
		return false
	}

	v.warnOnce("not-a-boolean", key, raw)
	v.record(key, strconv.FormatBool(def))

	return def
}

func (v *valueReader) unitFloatValue(key string, def float64) float64 {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, fmt.Sprintf("%g", def))
		return def
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		v.warnOnce("not-a-unit-float", key, raw)
		v.record(key, fmt.Sprintf("%g", def))

		return def
	}

	v.record(key, fmt.Sprintf("%g", f))

	return f
}

// timeOfDayValue validates HH:MM wall clock strings.
func (v *valueReader) timeOfDayValue(key, def string) string {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, def)
		return def
	}

	if _, err := time.Parse("15:04", raw); err != nil {
		v.warnOnce("not-a-time-of-day", key, raw)
		v.record(key, def)

		return def
	}

	v.record(key, raw)

	return raw
}

func (v *valueReader) stringValue(key, def string) string {
	raw, ok := v.values[key]
	if !ok || raw == "" {
		v.record(key, def)
		return def
	}

	v.record(key, raw)

	return raw
}

func (v *valueReader) enumValue(key, def string, allowed ...string) string {
	raw, ok := v.values[key]
	if !ok {
		v.record(key, def)
		return def
	}

	for _, a := range allowed {
		if raw == a {
			v.record(key, raw)
			return raw
		}
	}

	v.warnOnce("not-in-enum", key, raw)
	v.record(key, def)

	return def
}

// buildSnapshot converts raw values into a validated snapshot plus the map of
// effective values used for change diffing.
func buildSnapshot(ctx context.Context, values map[string]string) (*Snapshot, map[string]string) {
	v := &valueReader{
		ctx:       ctx,
		values:    values,
		effective: map[string]string{},
		warned:    map[string]bool{},
	}

	s := &Snapshot{
		DefaultQuality:      v.intValue("DEFAULT_QUALITY", 80, 10, 100),
		PhotoSize:           v.intValue("PHOTO_SIZE", 1280, 100, 8192),
		MaxConcurrency:      v.intValue("MAX_CONCURRENCY", 4, 1, 32),
		MemoryLimitMB:       v.intValue("SHARP_MEMORY_LIMIT", 256, 16, 4096),
		PixelLimit:          v.int64Value("SHARP_PIXEL_LIMIT", 268435456, 1e6, 1e9),
		CacheTTL:            time.Duration(v.int64Value("CACHE_TTL_MS", 86400000, 60000, 86400000)) * time.Millisecond,
		CacheMinSize:        v.int64Value("CACHE_MIN_SIZE", 102400, 1024, 104857600),
		RateLimitRequests:   v.intValue("RATE_LIMIT_REQUESTS", 100, 1, 1000),
		RateLimitWindow:     time.Duration(v.intValue("RATE_LIMIT_WINDOW_MS", 60000, 1000, 300000)) * time.Millisecond,
		RateLimitQueueSize:  v.intValue("RATE_LIMIT_QUEUE_SIZE", 100, 10, 1000),
		StackMaxSize:        v.intValue("STACK_MAX_SIZE", 100, 50, 500),
		ProcessingDelay:     time.Duration(v.intValue("STACK_PROCESSING_DELAY_MS", 5, 1, 100)) * time.Millisecond,
		MaxList:             v.intValue("MAX_LIST", 1000, 10, 10000),
		WebpEffort:          v.intValue("WEBP_EFFORT", 4, 0, 6),
		WebpEffortFast:      v.intValue("WEBP_EFFORT_FAST", 0, 0, 6),
		WebpReductionEffort: v.intValue("WEBP_REDUCTION_EFFORT", 2, 0, 6),

		CompressionEnabled:        v.boolValue("COMPRESSION_ENABLED", true),
		ImageConversionEnabled:    v.boolValue("IMAGE_CONVERSION_ENABLED", true),
		RateLimitEnabled:          v.boolValue("RATE_LIMIT_ENABLED", false),
		EmergencyDisableRateLimit: v.boolValue("EMERGENCY_DISABLE_RATE_LIMIT", false),
		DropWhenOverloaded:        v.boolValue("DROP_REQUESTS_WHEN_OVERLOADED", true),
		AggressiveDropEnabled:     v.boolValue("AGGRESSIVE_DROP_ENABLED", true),
		EmergencyResetEnabled:     v.boolValue("EMERGENCY_RESET_ENABLED", true),
		RestartEnabled:            v.boolValue("RESTART_ENABLED", false),

		CompressionThreshold: v.unitFloatValue("COMPRESSION_THRESHOLD", 0.3),

		RestartTime: v.timeOfDayValue("RESTART_TIME", "04:00"),
		MagickPath:  v.stringValue("MAGICK_PATH", "magick"),
		WebpPreset:  v.enumValue("WEBP_PRESET", "photo", "default", "photo", "picture", "drawing", "icon", "text"),
		RootPath:    v.stringValue("ROOT_PATH", "."),
	}

	mode := v.enumValue("IMAGE_MODE", "2", "1", "2", "3")
	s.ImageMode, _ = strconv.Atoi(mode)

	for _, p := range strings.Split(v.stringValue("PORT", "1900"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			s.Ports = append(s.Ports, p)
		}
	}

	return s, v.effective
}
